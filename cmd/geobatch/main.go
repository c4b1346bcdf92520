package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sgproperty/geobatch/internal/app"
	"github.com/sgproperty/geobatch/internal/config"
	"github.com/sgproperty/geobatch/internal/geocode/onemap"
	"github.com/sgproperty/geobatch/internal/logging"
	"github.com/sgproperty/geobatch/internal/triage"
	"github.com/sgproperty/geobatch/internal/util"
	"github.com/sgproperty/geobatch/pkg/pipeline/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "triage":
		os.Exit(runTriage(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var inputPath string
	var outputPath string
	fs.String("config", "", "Optional YAML config file path")
	fs.StringVar(&inputPath, "input", "", "Input CSV file path (must include an 'address' column)")
	fs.StringVar(&outputPath, "output", "", "Output CSV file path for resolved coordinates")

	// Resolve the config file first so the remaining flags can default to
	// the layered configuration.
	cfg, err := config.Load(configFlagValue(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for checkpoints, cache, and the failure ledger (env: GEOBATCH_STATE_DIR)")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Lookup service base URL (env: GEOBATCH_BASE_URL)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent fetch workers (env: GEOBATCH_WORKERS)")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "Global request rate limit (RPS) shared by all workers, 0 disables (env: GEOBATCH_RATE_LIMIT_RPS)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Total attempts per address for transient failures (env: GEOBATCH_MAX_ATTEMPTS)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request timeout (env: GEOBATCH_REQUEST_TIMEOUT)")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Result cache entry lifetime, 0 disables expiry (env: GEOBATCH_CACHE_TTL)")
	fs.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "Save a checkpoint every N newly resolved items (env: GEOBATCH_CHECKPOINT_EVERY)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if inputPath == "" || outputPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --input and --output")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %s\n", err)
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, err := onemap.New(onemap.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout + 30*time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup client error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	// SIGINT/SIGTERM trigger an orderly drain: dispatch stops, in-flight
	// items return to pending, a final checkpoint is saved, and the process
	// exits resumable.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Partial success and interrupt-triggered suspension both exit 0: resolved
	// rows were written, failures are in the ledger, and the run is resumable.
	if _, err := app.Run(ctx, cfg, logger, client, inputPath, outputPath); err != nil {
		logger.Error("run failed", zap.String("error", util.RedactSecrets(err.Error())))
		return 1
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for checkpoints, cache, and the failure ledger (env: GEOBATCH_STATE_DIR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := app.Status(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %s\n", util.RedactSecrets(err.Error()))
		return 1
	}
	return 0
}

func runTriage(args []string) int {
	fs := flag.NewFlagSet("triage", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var outputPath string
	fs.StringVar(&outputPath, "output", "", "Output CSV file path for address correction suggestions")

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for checkpoints, cache, and the failure ledger (env: GEOBATCH_STATE_DIR)")
	// The Gemini service has its own quota; the geocoder's tunables do not
	// apply here.
	workers := fs.Int("workers", 2, "Number of concurrent suggestion workers")
	rps := fs.Float64("rate-limit-rps", 1, "Gemini request rate limit (RPS) shared by all workers, 0 disables")
	attempts := fs.Int("max-attempts", 3, "Total attempts per suggestion for transient failures")
	reqTimeout := fs.Duration("request-timeout", 60*time.Second, "Per-suggestion request timeout")
	model := fs.String("gemini-model", strings.TrimSpace(os.Getenv("GEMINI_MODEL")), "Gemini model name (env: GEMINI_MODEL)")
	baseURL := fs.String("gemini-base-url", strings.TrimSpace(os.Getenv("GEMINI_BASE_URL")), "Gemini API base URL override (env: GEMINI_BASE_URL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if outputPath == "" {
		fmt.Fprintln(os.Stderr, "triage requires --output")
		return 2
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %s\n", err)
		return 2
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := triage.New(ctx, triage.Config{
		APIKey:  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Model:   *model,
		BaseURL: *baseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gemini config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	out, err := os.Create(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %s\n", err)
		return 1
	}
	defer func() {
		_ = out.Close()
	}()

	ledgerPath := filepath.Join(cfg.StateDir, "failures.jsonl")
	err = triage.Run(ctx, logger, resolver, ledgerPath, out, worker.Options{
		Workers:        *workers,
		MaxAttempts:    *attempts,
		RequestTimeout: *reqTimeout,
		RateLimitRPS:   *rps,
	})
	if err != nil {
		logger.Error("triage failed", zap.String("error", util.RedactSecrets(err.Error())))
		return 1
	}
	return 0
}

// configFlagValue extracts -config/--config from args without a full parse,
// since the other flag defaults depend on the loaded config.
func configFlagValue(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		for _, prefix := range []string{"-config=", "--config="} {
			if strings.HasPrefix(arg, prefix) {
				return strings.TrimPrefix(arg, prefix)
			}
		}
		if (arg == "-config" || arg == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func usage(w *os.File) {
	fmt.Fprintf(w, `geobatch: resilient batch geocoding for property address lists

Usage:
  geobatch <command> [flags]

Commands:
  run     Geocode an input CSV of addresses with checkpointed resume
  status  Show the latest checkpoint and failure ledger state
  triage  Suggest corrections for failed addresses via Gemini

Examples:
  geobatch run --input transactions.csv --output geocoded.csv
  geobatch run --input transactions.csv --output geocoded.csv --rate-limit-rps 1 --workers 5
  geobatch status
  geobatch triage --output suggestions.csv

Environment:
  GEOBATCH_STATE_DIR         State directory (checkpoints, cache, ledger)
  GEOBATCH_BASE_URL          Lookup service base URL
  GEOBATCH_TOKEN             Lookup service bearer token (optional)
  GEOBATCH_WORKERS           Concurrent fetch workers
  GEOBATCH_RATE_LIMIT_RPS    Global request rate limit shared by all workers
  GEOBATCH_MAX_ATTEMPTS      Total attempts per address
  GEOBATCH_REQUEST_TIMEOUT   Per-request timeout
  GEOBATCH_CACHE_TTL         Result cache entry lifetime
  GEOBATCH_CHECKPOINT_EVERY  Checkpoint save cadence (resolved items)
  GEOBATCH_LOG_LEVEL         debug | info | warn | error

Environment (triage):
  GEMINI_API_KEY    Gemini API key (required)
  GEMINI_MODEL      Gemini model name (required)
  GEMINI_BASE_URL   Optional base URL override (proxies/testing)

`)
}
