package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// LedgerEntry records one work item that exhausted its retry budget or
// failed permanently. Entries exist for operator triage and secondary
// resolution; the main pipeline never reads them back.
type LedgerEntry struct {
	Fingerprint string    `json:"fingerprint"`
	RawAddress  string    `json:"raw_address"`
	FinalError  string    `json:"final_error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// Ledger is an append-only JSONL file of permanently failed work items.
type Ledger struct {
	mu sync.Mutex
	f  *os.File
}

func OpenLedger(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open failure ledger: %w", err)
	}
	return &Ledger{f: f}, nil
}

// Append writes one entry as a single JSON line.
func (l *Ledger) Append(e LedgerEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadLedger loads all entries from a ledger file. A missing file yields an
// empty slice: an absent ledger just means nothing has failed yet.
func ReadLedger(path string) ([]LedgerEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open failure ledger: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out []LedgerEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan failure ledger: %w", err)
	}
	return out, nil
}
