package memo

import (
	"sync"
	"time"
)

// Stats accumulates per-key-family counters between flushes.
type Stats struct {
	mu            sync.Mutex
	calls         int64
	hits          int64
	timeouts      int64
	errors        int64
	totalDuration time.Duration
	resolved      int64
}

// StatsSnapshot is one flushed window of counters.
type StatsSnapshot struct {
	Calls         int64
	Hits          int64
	Timeouts      int64
	Errors        int64
	AvgDurationMS int64
}

func (s *Stats) call() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *Stats) hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Stats) timeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *Stats) failure() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *Stats) observe(d time.Duration) {
	s.mu.Lock()
	s.totalDuration += d
	s.resolved++
	s.mu.Unlock()
}

func (s *Stats) flush() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Calls:    s.calls,
		Hits:     s.hits,
		Timeouts: s.timeouts,
		Errors:   s.errors,
	}
	if s.resolved > 0 {
		snap.AvgDurationMS = (s.totalDuration / time.Duration(s.resolved)).Milliseconds()
	}
	s.calls, s.hits, s.timeouts, s.errors = 0, 0, 0, 0
	s.totalDuration, s.resolved = 0, 0
	return snap
}
