package batch

import (
	"sync/atomic"
	"time"
)

// Progress tracks run counters for monitoring. All methods are safe for
// concurrent use; readers never block writers.
type Progress struct {
	total    int64
	start    time.Time
	inFlight atomic.Int64
	resolved atomic.Int64
	cached   atomic.Int64
	failed   atomic.Int64
}

// Snapshot is a point-in-time, read-only view of run progress.
type Snapshot struct {
	Total    int64
	Pending  int64
	InFlight int64
	Resolved int64
	Cached   int64
	Failed   int64

	Elapsed time.Duration
	// PerSecond is resolution throughput since start, cache hits included.
	PerSecond float64
	// ETA extrapolates remaining pending work at the current throughput.
	// Zero when throughput is unknown or nothing remains.
	ETA time.Duration
}

func NewProgress(total int) *Progress {
	return &Progress{total: int64(total), start: time.Now()}
}

func (p *Progress) StartAttempt() { p.inFlight.Add(1) }
func (p *Progress) EndAttempt()   { p.inFlight.Add(-1) }

// MarkResolved records a confirmed resolution from a network fetch.
func (p *Progress) MarkResolved() { p.resolved.Add(1) }

// MarkCached records a resolution satisfied by the cache, no network call.
func (p *Progress) MarkCached() { p.cached.Add(1) }

// MarkFailed records a permanent failure (ledger-bound).
func (p *Progress) MarkFailed() { p.failed.Add(1) }

func (p *Progress) Snapshot() Snapshot {
	resolved := p.resolved.Load()
	cached := p.cached.Load()
	failed := p.failed.Load()
	inFlight := p.inFlight.Load()
	done := resolved + cached + failed
	pending := p.total - done - inFlight
	if pending < 0 {
		pending = 0
	}

	elapsed := time.Since(p.start)
	s := Snapshot{
		Total:    p.total,
		Pending:  pending,
		InFlight: inFlight,
		Resolved: resolved,
		Cached:   cached,
		Failed:   failed,
		Elapsed:  elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.PerSecond = float64(resolved+cached) / secs
	}
	if s.PerSecond > 0 && pending+inFlight > 0 {
		s.ETA = time.Duration(float64(pending+inFlight)/s.PerSecond) * time.Second
	}
	return s
}
