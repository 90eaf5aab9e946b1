package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jameshartig/solarkmon/pkg/common"
	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// statusResponse is the JSON view of the latest snapshot. Metrics are written
// as top-level fields and the ones that were not produced are null rather than
// zero.
type statusResponse struct {
	Metrics              map[types.Metric]*float64             `json:"-"`
	Provenance           map[types.Metric]types.Provenance     `json:"provenance"`
	Extras               map[string]float64                    `json:"extras"`
	Sources              []types.Endpoint                      `json:"sources"`
	State                types.CoordinatorState                `json:"state"`
	LastUpdateSuccess    bool                                  `json:"last_update_success"`
	LastError            *string                               `json:"last_error"`
	LastSuccessTimestamp *time.Time                            `json:"last_success_timestamp"`
	LastAttemptTimestamp *time.Time                            `json:"last_attempt_timestamp"`
	ConsecutiveFailures  int                                   `json:"consecutive_failures"`
	StaleSeconds         *float64                              `json:"stale_seconds"`
	SnapshotTimestamp    *time.Time                            `json:"snapshot_timestamp"`
	Endpoints            map[types.Endpoint]types.Availability `json:"endpoints"`
}

// MarshalJSON flattens the metrics into the object alongside the poll state.
func (r statusResponse) MarshalJSON() ([]byte, error) {
	type fields statusResponse
	b, err := json.Marshal(fields(r))
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	for m, v := range r.Metrics {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", m, err)
		}
		out[string(m)] = raw
	}
	return json.Marshal(out)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func buildStatus(st types.Status, endpoints map[types.Endpoint]types.Availability) statusResponse {
	resp := statusResponse{
		Metrics:              make(map[types.Metric]*float64, len(types.Metrics)),
		Provenance:           map[types.Metric]types.Provenance{},
		Extras:               map[string]float64{},
		Sources:              []types.Endpoint{},
		State:                st.State,
		LastUpdateSuccess:    st.LastUpdateSuccess(),
		LastSuccessTimestamp: optionalTime(st.Poll.LastSuccess),
		LastAttemptTimestamp: optionalTime(st.Poll.LastAttempt),
		ConsecutiveFailures:  st.Poll.ConsecutiveFailures,
		Endpoints:            endpoints,
	}
	if st.Poll.LastError != "" {
		lastError := st.Poll.LastError
		resp.LastError = &lastError
	}
	for _, m := range types.Metrics {
		resp.Metrics[m] = nil
		if v, ok := st.Snapshot.Get(m); ok {
			resp.Metrics[m] = &v
		}
	}
	if st.Snapshot != nil {
		for m, p := range st.Snapshot.Provenance {
			resp.Provenance[m] = p
		}
		for k, v := range st.Snapshot.Extras {
			resp.Extras[k] = v
		}
		resp.Sources = append(resp.Sources, st.Snapshot.Sources...)
		resp.SnapshotTimestamp = optionalTime(st.Snapshot.Timestamp)
	}
	if !st.Poll.LastSuccess.IsZero() {
		stale := math.Round(st.Stale.Seconds()*1000) / 1000
		resp.StaleSeconds = &stale
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, buildStatus(s.source.Status(), s.source.Endpoints()))
}

type diagnosticsResponse struct {
	Version    string                 `json:"version"`
	AuthScheme string                 `json:"auth_scheme"`
	Config     map[string]interface{} `json:"config"`
	Status     statusResponse         `json:"status"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	scheme := types.AuthSchemeUnknown
	if s.session != nil {
		scheme = s.session.Scheme()
	}
	writeJSON(w, r, http.StatusOK, diagnosticsResponse{
		Version:    common.Version(),
		AuthScheme: scheme.String(),
		Config:     s.config,
		Status:     buildStatus(s.source.Status(), s.source.Endpoints()),
	})
}

// handlePoll runs a cycle outside the regular schedule and responds with the
// resulting status. The cycle is not canceled if the client goes away.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "poll requested", slog.String("remote", r.RemoteAddr))
	if !s.source.Tick(context.WithoutCancel(ctx)) {
		writeJSON(w, r, http.StatusConflict, map[string]string{"error": "poll already in progress"})
		return
	}
	writeJSON(w, r, http.StatusOK, buildStatus(s.source.Status(), s.source.Endpoints()))
}
