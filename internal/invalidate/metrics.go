package invalidate

import "sync/atomic"

// Metrics tracks invalidation task outcomes.
type Metrics struct {
	TotalSubmitted   atomic.Int64
	TotalCompleted   atomic.Int64
	TotalFailed      atomic.Int64
	TotalDropped     atomic.Int64
	TotalRetries     atomic.Int64
	TotalInvalidated atomic.Int64
}

// MetricsSnapshot is a point-in-time view of task metrics.
type MetricsSnapshot struct {
	TotalSubmitted   int64 `json:"total_submitted"`
	TotalCompleted   int64 `json:"total_completed"`
	TotalFailed      int64 `json:"total_failed"`
	TotalDropped     int64 `json:"total_dropped"`
	TotalRetries     int64 `json:"total_retries"`
	TotalInvalidated int64 `json:"total_invalidated"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalSubmitted:   m.TotalSubmitted.Load(),
		TotalCompleted:   m.TotalCompleted.Load(),
		TotalFailed:      m.TotalFailed.Load(),
		TotalDropped:     m.TotalDropped.Load(),
		TotalRetries:     m.TotalRetries.Load(),
		TotalInvalidated: m.TotalInvalidated.Load(),
	}
}

// DispatcherStats is the admin API view of the dispatcher.
type DispatcherStats struct {
	Workers   int             `json:"workers"`
	QueueSize int             `json:"queue_size"`
	QueueUsed int             `json:"queue_used"`
	Metrics   MetricsSnapshot `json:"metrics"`
}
