package metrics

import "sync/atomic"

// Counters are process-local settlement counters, safe for concurrent use.
type Counters struct {
	Processed    atomic.Int64
	Succeeded    atomic.Int64
	Failed       atomic.Int64
	Duplicates   atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
}

func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"processed":     c.Processed.Load(),
		"succeeded":     c.Succeeded.Load(),
		"failed":        c.Failed.Load(),
		"duplicates":    c.Duplicates.Load(),
		"retried":       c.Retried.Load(),
		"dead_lettered": c.DeadLettered.Load(),
	}
}
