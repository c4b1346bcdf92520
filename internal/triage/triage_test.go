package triage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sgproperty/geobatch/pkg/batch"
	"github.com/sgproperty/geobatch/pkg/pipeline/worker"
)

type fakeSuggester struct {
	byAddress map[string]Suggestion
	failFor   string
}

func (f *fakeSuggester) Suggest(_ context.Context, entry batch.LedgerEntry) (Suggestion, error) {
	if entry.RawAddress == f.failFor {
		return Suggestion{}, errors.New("model unavailable")
	}
	s, ok := f.byAddress[entry.RawAddress]
	if !ok {
		return Suggestion{}, fmt.Errorf("unexpected address %q", entry.RawAddress)
	}
	return s, nil
}

func writeLedger(t *testing.T, entries ...batch.LedgerEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	ledger, err := batch.OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer ledger.Close()
	for _, e := range entries {
		if err := ledger.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return path
}

func TestRun_WritesSuggestionPerLedgerEntry(t *testing.T) {
	t.Parallel()
	path := writeLedger(t,
		batch.LedgerEntry{
			Fingerprint: "aa11",
			RawAddress:  "123 Mian St",
			FinalError:  "no match found",
			Attempts:    1,
			FailedAt:    time.Now().UTC(),
		},
		batch.LedgerEntry{
			Fingerprint: "bb22",
			RawAddress:  "unreachable address",
			FinalError:  "no match found",
			Attempts:    1,
			FailedAt:    time.Now().UTC(),
		},
	)

	suggester := &fakeSuggester{
		byAddress: map[string]Suggestion{
			"123 Mian St": {CorrectedAddress: "123 Main St", Reason: "transposed letters", Confidence: "high"},
		},
		failFor: "unreachable address",
	}

	var sb strings.Builder
	err := Run(context.Background(), zap.NewNop(), suggester, path, &sb, worker.Options{Workers: 2, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}

	first := rows[1]
	if first[0] != "123 Mian St" || first[3] != "123 Main St" || first[5] != "high" {
		t.Errorf("suggestion row = %v", first)
	}
	if first[6] != "" {
		t.Errorf("triage_error = %q for a successful suggestion", first[6])
	}

	// A suggester failure is recorded in the row, never dropped.
	second := rows[2]
	if second[0] != "unreachable address" {
		t.Errorf("failed row address = %q", second[0])
	}
	if !strings.Contains(second[6], "model unavailable") {
		t.Errorf("triage_error = %q, want suggester error", second[6])
	}
}

func TestRun_EmptyLedgerWritesHeaderOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "failures.jsonl")

	var sb strings.Builder
	err := Run(context.Background(), zap.NewNop(), &fakeSuggester{}, path, &sb, worker.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %d, want header only", len(rows))
	}
}
