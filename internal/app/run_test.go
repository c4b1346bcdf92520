package app

import (
	"context"
	"encoding/csv"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sgproperty/geobatch/internal/config"
	"github.com/sgproperty/geobatch/internal/geocode/onemap"
	"github.com/sgproperty/geobatch/internal/mockgeocoder"
	"github.com/sgproperty/geobatch/pkg/batch"
)

type testEnv struct {
	mock   *mockgeocoder.Server
	client *onemap.Client
	cfg    config.Config
	input  string
	output string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mock := mockgeocoder.New()
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	client, err := onemap.New(onemap.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("onemap.New: %v", err)
	}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Workers = 3
	cfg.RateLimitRPS = 0
	cfg.MaxAttempts = 3
	cfg.RequestTimeout = 2 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.CacheTTL = time.Hour
	cfg.CheckpointEvery = 100

	return &testEnv{
		mock:   mock,
		client: client,
		cfg:    cfg,
		input:  filepath.Join(dir, "input.csv"),
		output: filepath.Join(dir, "output.csv"),
	}
}

func (e *testEnv) writeInput(t *testing.T, addresses ...string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("address\n")
	for _, a := range addresses {
		sb.WriteString(a)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(e.input, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func (e *testEnv) run(t *testing.T, ctx context.Context) RunResult {
	t.Helper()
	res, err := Run(ctx, e.cfg, zap.NewNop(), e.client, e.input, e.output)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// readOutput returns the output rows minus the header, keyed by nothing.
func (e *testEnv) readOutput(t *testing.T) [][]string {
	t.Helper()
	f, err := os.Open(e.output)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("output has no header row")
	}
	return rows[1:]
}

func TestRun_DeduplicatesEquivalentAddresses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "123 Main St", "123  main st", "456 Oak Ave")
	env.mock.SetResult("123 Main St", 1.30, 103.85, "123 MAIN ST", "049315")
	env.mock.SetResult("456 Oak Ave", 1.35, 103.87, "456 OAK AVE", "238801")

	res := env.run(t, context.Background())

	if res.Total != 2 {
		t.Errorf("Total = %d, want 2 unique items", res.Total)
	}
	if res.Resolved != 2 {
		t.Errorf("Resolved = %d, want 2", res.Resolved)
	}
	if got := env.mock.CallCount("123 Main St"); got != 1 {
		t.Errorf("calls for duplicated address = %d, want 1", got)
	}
	rows := env.readOutput(t)
	if len(rows) != 2 {
		t.Fatalf("output rows = %d, want 2", len(rows))
	}
	// The first-seen raw form represents the duplicate group.
	if rows[0][0] != "123 Main St" {
		t.Errorf("output address = %q, want first-seen form %q", rows[0][0], "123 Main St")
	}
}

func TestRun_SecondRunHitsCacheNotNetwork(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "10 Bayfront Ave", "1 Raffles Place")
	env.mock.SetResult("10 Bayfront Ave", 1.2838, 103.8591, "10 BAYFRONT AVENUE", "018956")
	env.mock.SetResult("1 Raffles Place", 1.2847, 103.8510, "1 RAFFLES PLACE", "048616")

	first := env.run(t, context.Background())
	if first.Resolved != 2 {
		t.Fatalf("first run Resolved = %d, want 2", first.Resolved)
	}
	callsAfterFirst := len(env.mock.Calls())

	second := env.run(t, context.Background())
	if got := len(env.mock.Calls()); got != callsAfterFirst {
		t.Errorf("second run made %d network calls, want 0", got-callsAfterFirst)
	}
	// Resume path: the checkpoint confirms both items before the cache is even
	// consulted.
	if second.FromCheckpoint != 2 {
		t.Errorf("second run FromCheckpoint = %d, want 2", second.FromCheckpoint)
	}
	if rows := env.readOutput(t); len(rows) != 2 {
		t.Errorf("second run output rows = %d, want 2", len(rows))
	}
}

func TestRun_NoMatchFailsWithoutRetryAndLandsInLedger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "definitely not a real place", "456 Oak Ave")
	env.mock.SetResult("456 Oak Ave", 1.35, 103.87, "456 OAK AVE", "238801")

	res := env.run(t, context.Background())

	if res.Resolved != 1 || res.Failed != 1 {
		t.Fatalf("Resolved=%d Failed=%d, want 1 and 1", res.Resolved, res.Failed)
	}
	// Zero candidates is a permanent answer, not worth a second request.
	if got := env.mock.CallCount("definitely not a real place"); got != 1 {
		t.Errorf("calls for unmatchable address = %d, want 1", got)
	}

	entries, err := batch.ReadLedger(filepath.Join(env.cfg.StateDir, "failures.jsonl"))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.RawAddress != "definitely not a real place" {
		t.Errorf("ledger RawAddress = %q", e.RawAddress)
	}
	if e.Attempts != 1 {
		t.Errorf("ledger Attempts = %d, want 1", e.Attempts)
	}
	if e.Fingerprint != batch.Fingerprint(e.RawAddress) {
		t.Errorf("ledger Fingerprint = %q, want fingerprint of the raw address", e.Fingerprint)
	}

	// Failures never block output for the items that did resolve.
	if rows := env.readOutput(t); len(rows) != 1 {
		t.Errorf("output rows = %d, want 1", len(rows))
	}
}

func TestRun_TransientFailuresRetryToSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "88 Marina View")
	env.mock.FailTimes("88 Marina View", 503, 2)
	env.mock.SetResult("88 Marina View", 1.2789, 103.8536, "88 MARINA VIEW", "018963")

	res := env.run(t, context.Background())

	if res.Resolved != 1 || res.Failed != 0 {
		t.Fatalf("Resolved=%d Failed=%d, want 1 and 0", res.Resolved, res.Failed)
	}
	if got := env.mock.CallCount("88 Marina View"); got != 3 {
		t.Errorf("calls = %d, want 3 (two 503s then success)", got)
	}
}

func TestRun_TimeoutOnEveryAttemptFailsAfterFullBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.cfg.RequestTimeout = 100 * time.Millisecond
	env.writeInput(t, "7 Stalled Way")
	env.mock.SetResult("7 Stalled Way", 1.33, 103.84, "7 STALLED WAY", "310007")
	env.mock.HangFor("7 Stalled Way", 5*time.Second)

	res := env.run(t, context.Background())

	if res.Failed != 1 || res.Resolved != 0 {
		t.Fatalf("Failed=%d Resolved=%d, want 1 and 0", res.Failed, res.Resolved)
	}
	// A timeout is transient, so the full attempt budget is spent.
	if got := env.mock.CallCount("7 Stalled Way"); got != env.cfg.MaxAttempts {
		t.Errorf("calls = %d, want the attempt budget of %d", got, env.cfg.MaxAttempts)
	}

	entries, err := batch.ReadLedger(filepath.Join(env.cfg.StateDir, "failures.jsonl"))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != env.cfg.MaxAttempts {
		t.Errorf("ledger Attempts = %d, want %d", entries[0].Attempts, env.cfg.MaxAttempts)
	}
	if !strings.Contains(entries[0].FinalError, "deadline exceeded") {
		t.Errorf("ledger FinalError = %q, want the timeout reason", entries[0].FinalError)
	}
}

func TestRun_AttemptBudgetExhaustedGoesToLedger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.cfg.MaxAttempts = 2
	env.writeInput(t, "50 Collyer Quay")
	env.mock.FailTimes("50 Collyer Quay", 503, 10)

	res := env.run(t, context.Background())

	if res.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", res.Failed)
	}
	if got := env.mock.CallCount("50 Collyer Quay"); got != 2 {
		t.Errorf("calls = %d, want exactly the attempt budget of 2", got)
	}
	entries, err := batch.ReadLedger(filepath.Join(env.cfg.StateDir, "failures.jsonl"))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 2 {
		t.Errorf("ledger Attempts = %d, want 2", entries[0].Attempts)
	}
	if entries[0].FinalError == "" {
		t.Error("ledger FinalError is empty")
	}
}

func TestRun_EmptyInputIsNoOp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t)

	res := env.run(t, context.Background())

	if res.Total != 0 {
		t.Errorf("Total = %d, want 0", res.Total)
	}
	if len(env.mock.Calls()) != 0 {
		t.Errorf("made %d network calls for empty input", len(env.mock.Calls()))
	}
	if rows := env.readOutput(t); len(rows) != 0 {
		t.Errorf("output rows = %d, want header only", len(rows))
	}
}

func TestRun_FinalCheckpointRecordsResolvedItems(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "123 Main St")
	env.mock.SetResult("123 Main St", 1.30, 103.85, "123 MAIN ST", "049315")

	env.run(t, context.Background())

	ckpts, err := batch.NewCheckpointStore(filepath.Join(env.cfg.StateDir, "checkpoints"))
	if err != nil {
		t.Fatalf("NewCheckpointStore: %v", err)
	}
	latest, skipped, err := ckpts.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped snapshots = %d, want 0", len(skipped))
	}
	if latest == nil {
		t.Fatal("no checkpoint written")
	}
	want := batch.Fingerprint("123 Main St")
	if _, ok := latest.ResolvedSet()[want]; !ok {
		t.Errorf("checkpoint missing resolved fingerprint %s", want)
	}
}

func TestRun_InterruptSuspendsAndCheckpointsCompletedWork(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "123 Main St", "9 Slow Road")
	env.mock.SetResult("123 Main St", 1.30, 103.85, "123 MAIN ST", "049315")
	env.mock.SetResult("9 Slow Road", 1.31, 103.86, "9 SLOW ROAD", "120009")
	env.mock.HangFor("9 Slow Road", 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let the fast item complete, then interrupt while the slow one is
		// still in flight.
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	res := env.run(t, ctx)

	if !res.Suspended {
		t.Fatal("Suspended = false, want true")
	}
	if res.Failed != 0 {
		t.Errorf("Failed = %d, want 0: an interrupted item is not a failure", res.Failed)
	}

	ckpts, err := batch.NewCheckpointStore(filepath.Join(env.cfg.StateDir, "checkpoints"))
	if err != nil {
		t.Fatalf("NewCheckpointStore: %v", err)
	}
	latest, _, err := ckpts.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if latest == nil {
		t.Fatal("no checkpoint written on suspension")
	}
	resolved := latest.ResolvedSet()
	if _, ok := resolved[batch.Fingerprint("123 Main St")]; !ok {
		t.Error("checkpoint missing the item that completed before the interrupt")
	}
	if _, ok := resolved[batch.Fingerprint("9 Slow Road")]; ok {
		t.Error("checkpoint claims the in-flight item as resolved")
	}
	entries, err := batch.ReadLedger(filepath.Join(env.cfg.StateDir, "failures.jsonl"))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ledger entries = %d, want 0 after interrupt", len(entries))
	}
}

func TestStatus_ReportsCheckpointAndLedger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.writeInput(t, "123 Main St", "nowhere at all")
	env.mock.SetResult("123 Main St", 1.30, 103.85, "123 MAIN ST", "049315")

	env.run(t, context.Background())

	var sb strings.Builder
	if err := Status(env.cfg, &sb); err != nil {
		t.Fatalf("Status: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "checkpoint: sequence=") {
		t.Errorf("status output missing checkpoint line:\n%s", out)
	}
	if !strings.Contains(out, "failure ledger: 1 entries") {
		t.Errorf("status output missing ledger count:\n%s", out)
	}
	if !strings.Contains(out, "nowhere at all") {
		t.Errorf("status output missing failure sample:\n%s", out)
	}
}
