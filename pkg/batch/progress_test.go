package batch_test

import (
	"testing"

	"github.com/sgproperty/geobatch/pkg/batch"
)

func TestProgress_CountsAddUp(t *testing.T) {
	t.Parallel()

	p := batch.NewProgress(10)
	p.MarkCached()
	p.MarkCached()
	p.MarkResolved()
	p.MarkFailed()
	p.StartAttempt()

	s := p.Snapshot()
	if s.Total != 10 {
		t.Fatalf("total = %d", s.Total)
	}
	if s.Cached != 2 || s.Resolved != 1 || s.Failed != 1 || s.InFlight != 1 {
		t.Fatalf("unexpected snapshot: %#v", s)
	}
	if s.Pending != 5 {
		t.Fatalf("pending = %d, want 5", s.Pending)
	}

	p.EndAttempt()
	if got := p.Snapshot().InFlight; got != 0 {
		t.Fatalf("in-flight = %d after EndAttempt", got)
	}
}

func TestProgress_ETAOnlyWithThroughput(t *testing.T) {
	t.Parallel()

	p := batch.NewProgress(4)
	if eta := p.Snapshot().ETA; eta != 0 {
		t.Fatalf("expected zero ETA before any resolution, got %s", eta)
	}

	p.MarkResolved()
	s := p.Snapshot()
	if s.PerSecond <= 0 {
		t.Fatalf("expected positive throughput, got %f", s.PerSecond)
	}
	if s.ETA <= 0 {
		t.Fatalf("expected positive ETA with pending work, got %s", s.ETA)
	}
}
