package runtime

import "sync/atomic"

// Metrics counts runtime outcomes. Counters are cheap process-local
// telemetry surfaced on the health endpoint; tracing carries the
// per-request detail.
type Metrics struct {
	Accepted           atomic.Int64
	Rejected           atomic.Int64
	Fallbacks          atomic.Int64
	ValidatorTimeouts  atomic.Int64
	TimeoutRetries     atomic.Int64
	StoreFailures      atomic.Int64
	SubscribersDropped atomic.Int64
	RoomsSwept         atomic.Int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"accepted":            m.Accepted.Load(),
		"rejected":            m.Rejected.Load(),
		"fallbacks":           m.Fallbacks.Load(),
		"validator_timeouts":  m.ValidatorTimeouts.Load(),
		"timeout_retries":     m.TimeoutRetries.Load(),
		"store_failures":      m.StoreFailures.Load(),
		"subscribers_dropped": m.SubscribersDropped.Load(),
		"rooms_swept":         m.RoomsSwept.Load(),
	}
}
