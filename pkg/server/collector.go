package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jameshartig/solarkmon/pkg/common"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// collector exposes the latest snapshot on every scrape. It never calls the
// cloud; scrapes only read what the coordinator last published.
type collector struct {
	source  Source
	session SchemeSource

	metric              *prometheus.Desc
	extra               *prometheus.Desc
	lastUpdateSuccess   *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	staleSeconds        *prometheus.Desc
	lastSuccess         *prometheus.Desc
	endpoint            *prometheus.Desc
	info                *prometheus.Desc
}

func newCollector(source Source, session SchemeSource) *collector {
	return &collector{
		source:  source,
		session: session,
		metric: prometheus.NewDesc(
			"solark_metric",
			"Normalized plant value; watts for power, percent for battery_soc and kWh for energy",
			[]string{"metric", "provenance"},
			nil,
		),
		extra: prometheus.NewDesc(
			"solark_extra",
			"Additional numeric value reported by the cloud",
			[]string{"name"},
			nil,
		),
		lastUpdateSuccess: prometheus.NewDesc(
			"solark_last_update_success",
			"Whether the most recent poll cycle published a snapshot (1=yes, 0=no)",
			nil,
			nil,
		),
		consecutiveFailures: prometheus.NewDesc(
			"solark_consecutive_failures",
			"Number of poll cycles that failed since the last success",
			nil,
			nil,
		),
		staleSeconds: prometheus.NewDesc(
			"solark_stale_seconds",
			"Seconds since the last published snapshot",
			nil,
			nil,
		),
		lastSuccess: prometheus.NewDesc(
			"solark_last_success_timestamp_seconds",
			"Unix time of the last published snapshot",
			nil,
			nil,
		),
		endpoint: prometheus.NewDesc(
			"solark_endpoint",
			"Known availability of each cloud read endpoint",
			[]string{"endpoint", "availability"},
			nil,
		),
		info: prometheus.NewDesc(
			"solark_info",
			"Build and session information",
			[]string{"version", "scheme"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.metric
	ch <- c.extra
	ch <- c.lastUpdateSuccess
	ch <- c.consecutiveFailures
	ch <- c.staleSeconds
	ch <- c.lastSuccess
	ch <- c.endpoint
	ch <- c.info
}

// Collect implements prometheus.Collector
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Status()

	success := 0.0
	if st.LastUpdateSuccess() {
		success = 1
	}
	ch <- prometheus.MustNewConstMetric(c.lastUpdateSuccess, prometheus.GaugeValue, success)
	ch <- prometheus.MustNewConstMetric(c.consecutiveFailures, prometheus.GaugeValue, float64(st.Poll.ConsecutiveFailures))

	// nothing has ever been published so there is no age or value to report
	if !st.Poll.LastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.staleSeconds, prometheus.GaugeValue, st.Stale.Seconds())
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(st.Poll.LastSuccess.UnixNano())/1e9)
	}

	if snap := st.Snapshot; snap != nil {
		for _, m := range types.Metrics {
			v, ok := snap.Get(m)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.metric, prometheus.GaugeValue, v, string(m), string(snap.Provenance[m]))
		}
		for name, v := range snap.Extras {
			ch <- prometheus.MustNewConstMetric(c.extra, prometheus.GaugeValue, v, name)
		}
	}

	for ep, a := range c.source.Endpoints() {
		ch <- prometheus.MustNewConstMetric(c.endpoint, prometheus.GaugeValue, 1, string(ep), string(a))
	}

	scheme := types.AuthSchemeUnknown
	if c.session != nil {
		scheme = c.session.Scheme()
	}
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, common.Version(), scheme.String())
}
