package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CheckpointRecord is one immutable snapshot of confirmed work. Records are
// never mutated in place: each save writes a fresh file and promotes it with
// an atomic rename, so a crash mid-write cannot corrupt an older snapshot.
type CheckpointRecord struct {
	RunID    string    `json:"run_id"`
	Sequence int       `json:"sequence"`
	SavedAt  time.Time `json:"saved_at"`
	Resolved []string  `json:"resolved"`
}

// SkippedCheckpoint describes a snapshot file that failed integrity checks
// during load. Callers should log these; they are recoverable, not fatal.
type SkippedCheckpoint struct {
	Name   string
	Reason string
}

// CheckpointStore manages a directory of numbered snapshot files.
type CheckpointStore struct {
	dir string
}

func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func checkpointName(seq int) string {
	return fmt.Sprintf("checkpoint-%06d.json", seq)
}

// Save writes rec as a new snapshot file. The write goes to a temp file in
// the same directory and is renamed into place, so readers either see the
// complete record or none of it.
func (s *CheckpointStore) Save(rec CheckpointRecord) error {
	if rec.Sequence < 1 {
		return fmt.Errorf("checkpoint sequence must be positive, got %d", rec.Sequence)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	final := filepath.Join(s.dir, checkpointName(rec.Sequence))
	tmp, err := os.CreateTemp(s.dir, checkpointName(rec.Sequence)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the newest snapshot that passes integrity checks,
// falling back through older snapshots when a newer one is corrupt or
// partially written. Returns a nil record when no usable snapshot exists.
func (s *CheckpointStore) LoadLatest() (*CheckpointRecord, []SkippedCheckpoint, error) {
	names, err := s.snapshotNames()
	if err != nil {
		return nil, nil, err
	}
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var skipped []SkippedCheckpoint
	for _, name := range names {
		rec, reason := s.readRecord(name)
		if rec == nil {
			skipped = append(skipped, SkippedCheckpoint{Name: name, Reason: reason})
			continue
		}
		return rec, skipped, nil
	}
	return nil, skipped, nil
}

func (s *CheckpointStore) readRecord(name string) (*CheckpointRecord, string) {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Sprintf("read: %v", err)
	}
	if len(b) == 0 {
		return nil, "empty file"
	}
	var rec CheckpointRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Sprintf("parse: %v", err)
	}
	if rec.Sequence < 1 {
		return nil, fmt.Sprintf("non-positive sequence %d", rec.Sequence)
	}
	if name != checkpointName(rec.Sequence) {
		return nil, fmt.Sprintf("sequence %d does not match filename", rec.Sequence)
	}
	return &rec, ""
}

// ResolvedSet converts a record's fingerprint list into a lookup set. A nil
// record yields an empty set.
func (rec *CheckpointRecord) ResolvedSet() map[string]struct{} {
	if rec == nil {
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(rec.Resolved))
	for _, fp := range rec.Resolved {
		out[fp] = struct{}{}
	}
	return out
}

// Prune removes superseded snapshots, keeping the newest keep files.
// Leftover temp files from interrupted saves are removed as well.
func (s *CheckpointStore) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list checkpoint directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".tmp-") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", name, err)
		}
	}
	return nil
}

func (s *CheckpointStore) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
