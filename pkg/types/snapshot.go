package types

import (
	"maps"
	"time"
)

// Endpoint names one of the cloud read endpoints.
type Endpoint string

const (
	EndpointFlow Endpoint = "flow"
	EndpointLive Endpoint = "live"
)

// Metric is the name of a published value.
type Metric string

// Grid power is positive when importing from the grid and negative when
// exporting. Battery power is positive when discharging.
const (
	MetricPVPower         Metric = "pv_power"
	MetricBatteryPower    Metric = "battery_power"
	MetricGridPower       Metric = "grid_power"
	MetricGridImportPower Metric = "grid_import_power"
	MetricGridExportPower Metric = "grid_export_power"
	MetricLoadPower       Metric = "load_power"
	MetricBatterySOC      Metric = "battery_soc"
	MetricEnergyToday     Metric = "energy_today"
	MetricEnergyTotal     Metric = "energy_total"
)

// Metrics lists every metric in publishing order.
var Metrics = []Metric{
	MetricPVPower,
	MetricBatteryPower,
	MetricGridPower,
	MetricGridImportPower,
	MetricGridExportPower,
	MetricLoadPower,
	MetricBatterySOC,
	MetricEnergyToday,
	MetricEnergyTotal,
}

// Provenance records whether a metric was read as-is or computed.
type Provenance string

const (
	ProvenanceDirect  Provenance = "direct"
	ProvenanceDerived Provenance = "derived"
)

// MetricSnapshot is one published, normalized result. It is never mutated
// after it has been published.
type MetricSnapshot struct {
	Timestamp  time.Time             `json:"timestamp"`
	Values     map[Metric]float64    `json:"values"`
	Provenance map[Metric]Provenance `json:"provenance"`
	Extras     map[string]float64    `json:"extras,omitempty"`
	Sources    []Endpoint            `json:"sources"`
}

// Get returns the value of m and whether it was produced.
func (s *MetricSnapshot) Get(m Metric) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Values[m]
	return v, ok
}

// Len returns the number of metrics that were produced.
func (s *MetricSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Values)
}

// Clone returns a deep copy that callers may modify.
func (s *MetricSnapshot) Clone() *MetricSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Values = maps.Clone(s.Values)
	c.Provenance = maps.Clone(s.Provenance)
	c.Extras = maps.Clone(s.Extras)
	c.Sources = append([]Endpoint(nil), s.Sources...)
	return &c
}

// PollState tracks the outcome of recent poll cycles.
type PollState struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastAttempt         time.Time `json:"lastAttempt"`
	LastError           string    `json:"lastError,omitempty"`
}

// CoordinatorState is the state of the polling state machine.
type CoordinatorState string

const (
	StateIdle      CoordinatorState = "idle"
	StatePolling   CoordinatorState = "polling"
	StatePublished CoordinatorState = "published"
	StateFailed    CoordinatorState = "failed"
)

// Status is everything a consumer needs to render the plant: the latest
// snapshot, which may be stale, plus the poll state that qualifies it.
type Status struct {
	Snapshot  *MetricSnapshot
	Poll      PollState
	State     CoordinatorState
	Stale     time.Duration
	UpdatedAt time.Time
}

// LastUpdateSuccess reports whether the most recent finished cycle published.
func (s Status) LastUpdateSuccess() bool {
	return !s.Poll.LastSuccess.IsZero() && s.Poll.ConsecutiveFailures == 0
}

// Availability is what is known about a read endpoint for the configured
// plant. Unsupported is sticky for the life of the process.
type Availability string

const (
	AvailabilityUnknown      Availability = "unknown"
	AvailabilitySupported    Availability = "supported"
	AvailabilityUnsupported  Availability = "unsupported"
	AvailabilityUnconfigured Availability = "unconfigured"
)

// Usable reports whether the endpoint should be called.
func (a Availability) Usable() bool {
	return a == AvailabilityUnknown || a == AvailabilitySupported
}
