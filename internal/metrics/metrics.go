package metrics

import "sync"

// Event names tracked by the call service. Background cleanup outcomes are
// counted so that best-effort steps stay observable in tests and dashboards
// instead of disappearing into swallowed errors.
const (
	CallCreated   = "call_created"
	CallAnswered  = "call_answered"
	CallDeclined  = "call_declined"
	CallEnded     = "call_ended"
	CallFailed    = "call_failed"
	CallVanished  = "call_vanished"
	CaptureFailed = "capture_failed"

	CandidateAppended    = "candidate_appended"
	CandidateApplyFailed = "candidate_apply_failed"

	CandidateCleanupDone   = "candidate_cleanup_done"
	CandidateCleanupFailed = "candidate_cleanup_failed"

	IncomingSurfaced = "incoming_surfaced"
	IncomingSkipped  = "incoming_skipped_busy"

	AuthFailure      = "auth_failure"
	OriginRejected   = "origin_rejected"
	SignalRateLimit  = "signal_rate_limited"
	SignalOversized  = "signal_message_too_large"
	StatusWriteError = "status_write_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a real metrics backend plugs in at the Prometheus
// exposition layer; this type exists so enforcement and cleanup logic stays
// testable in-process.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
