package stk500

import (
	"sync"
	"time"
)

// WriteStats accumulates per-page write durations over a programming run.
// It is safe for concurrent use; the session records from its worker while
// callers may snapshot at any time.
type WriteStats struct {
	mu    sync.Mutex
	count int
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// WriteStatsSummary is a point-in-time snapshot of the accumulated write
// timings.
type WriteStatsSummary struct {
	Pages int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Record adds one page-write duration to the statistics.
func (s *WriteStats) Record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.count++
	s.total += d
}

// Reset clears all accumulated timings.
func (s *WriteStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.total = 0
	s.min = 0
	s.max = 0
}

// Summary returns a snapshot of the accumulated timings. Avg is zero when
// no pages have been recorded.
func (s *WriteStats) Summary() WriteStatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := WriteStatsSummary{
		Pages: s.count,
		Total: s.total,
		Min:   s.min,
		Max:   s.max,
	}
	if s.count > 0 {
		sum.Avg = s.total / time.Duration(s.count)
	}

	return sum
}
