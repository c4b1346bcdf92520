package batch

import "sync"

// Tracker owns the in-memory resolved set for a run and decides when a
// checkpoint save is due. Saves read a copied snapshot, so workers are never
// paused while a checkpoint is written.
type Tracker struct {
	mu        sync.Mutex
	resolved  map[string]struct{}
	sinceSave int
	every     int
}

// NewTracker seeds the resolved set from the latest checkpoint. every is the
// number of newly resolved items between automatic saves; <=0 disables the
// cadence (final saves still happen).
func NewTracker(initial map[string]struct{}, every int) *Tracker {
	resolved := make(map[string]struct{}, len(initial))
	for fp := range initial {
		resolved[fp] = struct{}{}
	}
	return &Tracker{resolved: resolved, every: every}
}

// MarkResolved adds a fingerprint and reports whether the save cadence has
// been reached. The counter resets when true is returned; the caller is
// expected to save.
func (t *Tracker) MarkResolved(fingerprint string) (saveDue bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resolved[fingerprint]; ok {
		return false
	}
	t.resolved[fingerprint] = struct{}{}
	t.sinceSave++
	if t.every > 0 && t.sinceSave >= t.every {
		t.sinceSave = 0
		return true
	}
	return false
}

func (t *Tracker) Has(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.resolved[fingerprint]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resolved)
}

// SnapshotResolved returns a copy of the resolved fingerprints in no
// particular order. The copy is what checkpoint saves serialize.
func (t *Tracker) SnapshotResolved() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.resolved))
	for fp := range t.resolved {
		out = append(out, fp)
	}
	return out
}
