package crawler

import "sync/atomic"

// RunStats tracks the counters a run reports in its summary. All fields are
// written directly with atomic operations by the pool and pipeline stages;
// Snapshot gives a consistent-enough view for status endpoints and the final
// log line.
type RunStats struct {
	Submitted       atomic.Int64
	Deduped         atomic.Int64
	DepthDropped    atomic.Int64
	PolicyDropped   atomic.Int64
	OverflowDropped atomic.Int64
	Fetched         atomic.Int64
	FetchFailed     atomic.Int64
	Extracted       atomic.Int64
	Discovered      atomic.Int64
	Stored          atomic.Int64
	StoreFailed     atomic.Int64
	InFlight        atomic.Int64
}

// Summary is a point-in-time copy of RunStats, used by the status endpoint,
// the run-completed notice, and the final summary log.
type Summary struct {
	Submitted       int64 `json:"submitted"`
	Deduped         int64 `json:"deduped"`
	DepthDropped    int64 `json:"depth_dropped"`
	PolicyDropped   int64 `json:"policy_dropped"`
	OverflowDropped int64 `json:"overflow_dropped"`
	Fetched         int64 `json:"fetched"`
	FetchFailed     int64 `json:"fetch_failed"`
	Extracted       int64 `json:"extracted"`
	Discovered      int64 `json:"discovered"`
	Stored          int64 `json:"stored"`
	StoreFailed     int64 `json:"store_failed"`
	InFlight        int64 `json:"in_flight"`
}

// Snapshot copies the current counter values.
func (s *RunStats) Snapshot() Summary {
	return Summary{
		Submitted:       s.Submitted.Load(),
		Deduped:         s.Deduped.Load(),
		DepthDropped:    s.DepthDropped.Load(),
		PolicyDropped:   s.PolicyDropped.Load(),
		OverflowDropped: s.OverflowDropped.Load(),
		Fetched:         s.Fetched.Load(),
		FetchFailed:     s.FetchFailed.Load(),
		Extracted:       s.Extracted.Load(),
		Discovered:      s.Discovered.Load(),
		Stored:          s.Stored.Load(),
		StoreFailed:     s.StoreFailed.Load(),
		InFlight:        s.InFlight.Load(),
	}
}
