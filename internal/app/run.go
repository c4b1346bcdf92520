// Package app wires the geocoding pipeline together: input loading, work
// item construction, checkpoint resume, cache consultation, the rate-limited
// fetch pool, the failure ledger, and output writing.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sgproperty/geobatch/internal/config"
	"github.com/sgproperty/geobatch/internal/geocode"
	"github.com/sgproperty/geobatch/internal/util"
	"github.com/sgproperty/geobatch/pkg/batch"
	"github.com/sgproperty/geobatch/pkg/pipeline/core"
	"github.com/sgproperty/geobatch/pkg/pipeline/io/local"
	"github.com/sgproperty/geobatch/pkg/pipeline/worker"
)

const (
	checkpointSubdir = "checkpoints"
	cacheFilename    = "cache.sqlite"
	ledgerFilename   = "failures.jsonl"

	progressLogInterval = 15 * time.Second
)

var outputHeader = []string{"address", "fingerprint", "latitude", "longitude", "matched", "postal", "score"}

func newOutput(path string) core.OutputAdapter[[]string] {
	return &local.RecordsFile{Path: path, Header: outputHeader}
}

// RunResult summarizes a finished or suspended pipeline run.
type RunResult struct {
	Total int
	// FromCheckpoint items were confirmed by a prior run and never re-entered
	// the pipeline.
	FromCheckpoint int
	// Cached items were satisfied by the result cache without a network call.
	Cached   int
	Resolved int
	Failed   int

	// Suspended is true when the run was interrupted and checkpointed; the
	// same invocation can be repeated later to resume.
	Suspended bool
}

// Run drives every input address to resolved, failed, or checkpoint-suspended.
// Confirmed resolutions are never lost: checkpoint or cache write failures
// halt the run rather than continuing with unrecoverable state.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger, geocoder geocode.Geocoder, inputPath, outputPath string) (RunResult, error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	start := time.Now()

	var input core.InputAdapter[string] = &local.AddressFile{Path: inputPath}
	addresses, err := input.Load(ctx)
	if err != nil {
		return RunResult{}, err
	}
	items := batch.BuildItems(addresses)
	logger.Info("input loaded",
		zap.Int("rows", len(addresses)),
		zap.Int("unique_items", len(items)),
	)
	if len(items) == 0 {
		// Empty input is a no-op, not an error.
		return RunResult{}, newOutput(outputPath).Store(ctx, nil)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return RunResult{}, fmt.Errorf("create state directory: %w", err)
	}
	ckpts, err := batch.NewCheckpointStore(filepath.Join(cfg.StateDir, checkpointSubdir))
	if err != nil {
		return RunResult{}, err
	}
	latest, skipped, err := ckpts.LoadLatest()
	if err != nil {
		return RunResult{}, err
	}
	for _, sk := range skipped {
		logger.Warn("checkpoint snapshot failed integrity check, falling back",
			zap.String("snapshot", sk.Name),
			zap.String("reason", sk.Reason),
		)
	}
	confirmed := latest.ResolvedSet()
	if latest != nil {
		logger.Info("resuming from checkpoint",
			zap.Int("sequence", latest.Sequence),
			zap.Int("resolved", len(confirmed)),
			zap.Time("saved_at", latest.SavedAt),
		)
	}

	remaining := batch.FilterResolved(items, confirmed)

	cache, err := batch.OpenCache(filepath.Join(cfg.StateDir, cacheFilename), cfg.CacheTTL)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		_ = cache.Close()
	}()
	ledger, err := batch.OpenLedger(filepath.Join(cfg.StateDir, ledgerFilename))
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		_ = ledger.Close()
	}()

	run := &runState{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		cache:    cache,
		ledger:   ledger,
		ckpts:    ckpts,
		tracker:  batch.NewTracker(confirmed, cfg.CheckpointEvery),
		progress: batch.NewProgress(len(remaining)),
		seq:      latestSequence(latest),
		results:  make(map[string]geocode.Result, len(remaining)),
	}

	toFetch, err := run.consultCache(ctx, remaining)
	if err != nil {
		return RunResult{}, err
	}
	logger.Info("work planned",
		zap.Int("from_checkpoint", len(items)-len(remaining)),
		zap.Int("cache_hits", len(remaining)-len(toFetch)),
		zap.Int("to_fetch", len(toFetch)),
		zap.Int("workers", cfg.Workers),
		zap.Float64("rate_limit_rps", cfg.RateLimitRPS),
	)

	suspended, err := run.fetchAll(ctx, geocoder, toFetch)
	if err != nil {
		return RunResult{}, err
	}

	// Final save happens on completion and on suspension alike.
	if err := run.saveCheckpoint(); err != nil {
		return RunResult{}, err
	}
	if err := ckpts.Prune(cfg.CheckpointKeep); err != nil {
		logger.Warn("checkpoint prune failed", zap.Error(err))
	}

	res := RunResult{
		Total:          len(items),
		FromCheckpoint: len(items) - len(remaining),
		Suspended:      suspended,
	}
	snap := run.progress.Snapshot()
	res.Cached = int(snap.Cached)
	res.Resolved = int(snap.Resolved)
	res.Failed = int(snap.Failed)

	// Output still gets written after an interrupt, so the stale-cache reads
	// and the Store below run on a cancellation-free context.
	if err := run.writeOutputRows(context.WithoutCancel(ctx), outputPath, items, confirmed); err != nil {
		return RunResult{}, err
	}

	run.logSummary(res, time.Since(start))
	return res, nil
}

type runState struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	cache    *batch.Cache
	ledger   *batch.Ledger
	ckpts    *batch.CheckpointStore
	tracker  *batch.Tracker
	progress *batch.Progress

	// seq guards checkpoint sequence allocation; saves can come from the
	// completion callback and the final save path.
	seqMu sync.Mutex
	seq   int

	// results collects payloads fetched or cache-read during this run.
	// Touched only from the single-goroutine completion callback and the
	// sequential cache consultation, so no lock is needed.
	results map[string]geocode.Result

	failedSamples []string
}

func latestSequence(rec *batch.CheckpointRecord) int {
	if rec == nil {
		return 0
	}
	return rec.Sequence
}

// consultCache satisfies what it can from the durable cache and returns the
// items that actually need a network fetch. Cache read errors are fatal: a
// broken cache store means re-fetching everything on every run.
func (r *runState) consultCache(ctx context.Context, remaining []*batch.Item) ([]*batch.Item, error) {
	toFetch := make([]*batch.Item, 0, len(remaining))
	for _, it := range remaining {
		payload, ok, err := r.cache.Get(ctx, it.Fingerprint)
		if err != nil {
			return nil, err
		}
		if !ok {
			toFetch = append(toFetch, it)
			continue
		}
		res, err := geocode.DecodeResult(payload)
		if err != nil {
			// A cached payload we can no longer decode is treated as a miss.
			r.logger.Warn("discarding undecodable cache entry",
				zap.String("fingerprint", it.Fingerprint),
				zap.Error(err),
			)
			toFetch = append(toFetch, it)
			continue
		}
		it.Status = batch.StatusResolved
		r.results[it.Fingerprint] = res
		r.progress.MarkCached()
		if r.tracker.MarkResolved(it.Fingerprint) {
			if err := r.saveCheckpoint(); err != nil {
				return nil, err
			}
		}
	}
	return toFetch, nil
}

// fetchAll drives the worker pool over the cache misses. It returns
// suspended=true when the context was cancelled (signal-triggered drain)
// and a non-nil error only for fatal conditions.
func (r *runState) fetchAll(ctx context.Context, geocoder geocode.Geocoder, toFetch []*batch.Item) (suspended bool, err error) {
	if len(toFetch) == 0 {
		return false, nil
	}

	stopProgress := r.startProgressLogger(ctx)
	defer stopProgress()

	processor := core.ProcessFunc[*batch.Item, geocode.Result](func(ctx context.Context, it *batch.Item) (geocode.Result, error) {
		it.Status = batch.StatusInFlight
		r.progress.StartAttempt()
		defer r.progress.EndAttempt()

		res, err := geocoder.Geocode(ctx, it.RawAddress)
		if err != nil {
			return geocode.Result{}, err
		}
		payload, err := geocode.EncodeResult(res)
		if err != nil {
			return geocode.Result{}, err
		}
		// A cache write failure is fatal for the run: proceeding would mean
		// re-spending quota on every restart.
		if err := r.cache.Put(ctx, it.Fingerprint, payload); err != nil {
			return geocode.Result{}, fatalError{err}
		}
		return res, nil
	})

	onResult := func(res worker.Result[*batch.Item, geocode.Result]) error {
		it := res.Input
		it.Attempts = res.Attempts
		if res.Err == nil {
			it.Status = batch.StatusResolved
			r.results[it.Fingerprint] = res.Output
			r.progress.MarkResolved()
			if r.tracker.MarkResolved(it.Fingerprint) {
				return r.saveCheckpoint()
			}
			return nil
		}

		var fe fatalError
		if errors.As(res.Err, &fe) {
			return fe.err
		}
		if ctx.Err() != nil && errors.Is(res.Err, context.Canceled) {
			// Interrupted, not failed; the item stays pending for the next run.
			it.Status = batch.StatusPending
			return nil
		}

		it.Status = batch.StatusFailed
		it.LastErr = util.RedactSecrets(res.Err.Error())
		r.progress.MarkFailed()
		if len(r.failedSamples) < 5 {
			r.failedSamples = append(r.failedSamples, fmt.Sprintf("%s: %s", it.RawAddress, it.LastErr))
		}
		r.logger.Debug("item failed",
			zap.String("fingerprint", it.Fingerprint),
			zap.Int("attempts", res.Attempts),
			zap.String("error", it.LastErr),
		)
		return r.ledger.Append(batch.LedgerEntry{
			Fingerprint: it.Fingerprint,
			RawAddress:  it.RawAddress,
			FinalError:  it.LastErr,
			Attempts:    res.Attempts,
			FailedAt:    time.Now().UTC(),
		})
	}

	_, poolErr := worker.ProcessAllWithCallback(ctx, toFetch, processor, onResult, worker.Options{
		Workers:           r.cfg.Workers,
		MaxAttempts:       r.cfg.MaxAttempts,
		RequestTimeout:    r.cfg.RequestTimeout,
		RateLimitRPS:      r.cfg.RateLimitRPS,
		FailurePolicy:     worker.FailurePolicyPartialOutput,
		BackoffInitial:    r.cfg.BackoffInitial,
		BackoffMax:        r.cfg.BackoffMax,
		BackoffJitterFrac: r.cfg.BackoffJitterFrac,
	})
	if poolErr != nil {
		if errors.Is(poolErr, context.Canceled) && ctx.Err() != nil {
			r.logger.Info("run interrupted, draining to checkpoint")
			return true, nil
		}
		return false, poolErr
	}
	return false, nil
}

func (r *runState) saveCheckpoint() error {
	r.seqMu.Lock()
	r.seq++
	seq := r.seq
	r.seqMu.Unlock()

	rec := batch.CheckpointRecord{
		RunID:    r.runID,
		Sequence: seq,
		SavedAt:  time.Now().UTC(),
		Resolved: r.tracker.SnapshotResolved(),
	}
	if err := r.ckpts.Save(rec); err != nil {
		return err
	}
	r.logger.Info("checkpoint saved",
		zap.Int("sequence", seq),
		zap.Int("resolved", len(rec.Resolved)),
	)
	return nil
}

func (r *runState) startProgressLogger(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(progressLogInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s := r.progress.Snapshot()
				r.logger.Info("progress",
					zap.Int64("pending", s.Pending),
					zap.Int64("in_flight", s.InFlight),
					zap.Int64("resolved", s.Resolved),
					zap.Int64("cached", s.Cached),
					zap.Int64("failed", s.Failed),
					zap.Float64("per_second", s.PerSecond),
					zap.Duration("eta", s.ETA),
				)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// writeOutputRows materializes one output row per input item whose payload
// is available: fetched this run, read from cache, or confirmed by a prior
// checkpoint (TTL-exempt cache read, since the checkpoint vouches for it).
func (r *runState) writeOutputRows(ctx context.Context, outputPath string, items []*batch.Item, confirmed map[string]struct{}) error {
	records := make([][]string, 0, len(items))
	for _, it := range items {
		res, ok := r.results[it.Fingerprint]
		if !ok {
			if _, confirmedPrior := confirmed[it.Fingerprint]; !confirmedPrior {
				continue
			}
			payload, found, err := r.cache.GetStale(ctx, it.Fingerprint)
			if err != nil {
				return err
			}
			if !found {
				r.logger.Warn("checkpointed item has no cached payload, omitting from output",
					zap.String("fingerprint", it.Fingerprint),
				)
				continue
			}
			res, err = geocode.DecodeResult(payload)
			if err != nil {
				r.logger.Warn("checkpointed item has undecodable payload, omitting from output",
					zap.String("fingerprint", it.Fingerprint),
					zap.Error(err),
				)
				continue
			}
		}
		records = append(records, []string{
			it.RawAddress,
			it.Fingerprint,
			strconv.FormatFloat(res.Latitude, 'f', -1, 64),
			strconv.FormatFloat(res.Longitude, 'f', -1, 64),
			res.Matched,
			res.Postal,
			strconv.FormatFloat(res.Score, 'f', -1, 64),
		})
	}
	return newOutput(outputPath).Store(ctx, records)
}

func (r *runState) logSummary(res RunResult, elapsed time.Duration) {
	fields := []zap.Field{
		zap.Int("total", res.Total),
		zap.Int("from_checkpoint", res.FromCheckpoint),
		zap.Int("cached", res.Cached),
		zap.Int("resolved", res.Resolved),
		zap.Int("failed", res.Failed),
		zap.Bool("suspended", res.Suspended),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
	}
	if res.Failed > 0 {
		fields = append(fields, zap.Strings("failure_samples", r.failedSamples))
	}
	switch {
	case res.Suspended:
		r.logger.Info("run suspended cleanly, safe to resume", fields...)
	case res.Failed > 0:
		r.logger.Warn("run complete with failures in ledger", fields...)
	default:
		r.logger.Info("run complete, all items resolved", fields...)
	}
}

// fatalError wraps conditions that must halt the run instead of marking a
// single item failed.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

