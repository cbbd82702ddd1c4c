package dispatch

import "sync/atomic"

// MetricsSnapshot is a point-in-time view of coordinator counters.
type MetricsSnapshot struct {
	Started   int64
	Queued    int64
	Drained   int64
	Rejected  int64
	Cancelled int64
	Active    int64
}

// Metrics counts coordinator activity.
type Metrics struct {
	started   atomic.Int64
	queued    atomic.Int64
	drained   atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

// NewMetrics creates zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordStarted(delta int) {
	m.started.Add(int64(delta))
}

func (m *Metrics) RecordQueued(delta int) {
	m.queued.Add(int64(delta))
}

func (m *Metrics) RecordDrained(delta int) {
	m.drained.Add(int64(delta))
}

func (m *Metrics) RecordRejected(delta int) {
	m.rejected.Add(int64(delta))
}

func (m *Metrics) RecordCancelled(delta int) {
	m.cancelled.Add(int64(delta))
}

// Snapshot returns current counter values. Active is filled in by the
// coordinator from live slot state.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Started:   m.started.Load(),
		Queued:    m.queued.Load(),
		Drained:   m.drained.Load(),
		Rejected:  m.rejected.Load(),
		Cancelled: m.cancelled.Load(),
	}
}
