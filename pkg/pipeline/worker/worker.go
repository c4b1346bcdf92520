package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/sgproperty/geobatch/pkg/pipeline/core"
	"golang.org/x/time/rate"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

type Options struct {
	Workers int

	// MaxAttempts is the total number of attempts per item, including the
	// first. Transient failures are retried until the budget is spent;
	// permanent failures never consume it.
	MaxAttempts int

	RequestTimeout time.Duration

	// RateLimitRPS is a global dispatch limit shared by all workers. With a
	// burst of one this enforces a minimum interval of 1/RPS between
	// consecutive outbound requests, regardless of which worker issues them.
	// Set to <=0 to disable.
	RateLimitRPS float64

	FailurePolicy FailurePolicy

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out

	// Attempts is the number of times the processor was invoked for this
	// item, whatever the outcome.
	Attempts int

	Err error
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.BackoffJitterFrac <= 0 {
		o.BackoffJitterFrac = 0.2
	}
	return o
}

// ProcessAll runs the processor over all input items. Plain functions adapt
// via core.ProcessFunc.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor core.Processor[In, Out],
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback runs the processor over all input items and invokes
// onResult as each item completes. The callback receives completion-order
// results and runs on a single goroutine, so it may touch shared state
// without locking.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor core.Processor[In, Out],
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	out := make([]Result[In, Out], len(items))

	type job struct {
		idx int
		in  In
	}
	type completion struct {
		idx int
		res Result[In, Out]
	}

	jobs := make(chan job)
	done := make(chan completion, opts.Workers)

	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	workerFn := func() {
		defer wg.Done()
		for j := range jobs {
			if runCtx.Err() != nil {
				return
			}
			res := processOne(runCtx, j.in, processor, limiter, opts)
			select {
			case done <- completion{idx: j.idx, res: res}:
			case <-runCtx.Done():
				return
			}
			if res.Err != nil && opts.FailurePolicy == FailurePolicyFailFast {
				fail(res.Err)
				return
			}
		}
	}

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go workerFn()
	}

	go func() {
		defer close(jobs)
		for i, item := range items {
			select {
			case jobs <- job{idx: i, in: item}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	for item := range done {
		out[item.idx] = item.res
		if onResult != nil {
			if err := onResult(item.res); err != nil {
				fail(err)
			}
		}
	}

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func processOne[In any, Out any](
	ctx context.Context,
	item In,
	processor core.Processor[In, Out],
	limiter *rate.Limiter,
	opts Options,
) Result[In, Out] {
	res, attempts, err := processWithRetry(ctx, item, processor, limiter, opts)
	return Result[In, Out]{
		Input:    item,
		Output:   res,
		Attempts: attempts,
		Err:      err,
	}
}

// processWithRetry drives a single item to success, permanent failure, or
// retry exhaustion. Attempts for one item are strictly sequential.
func processWithRetry[In any, Out any](
	ctx context.Context,
	item In,
	processor core.Processor[In, Out],
	limiter *rate.Limiter,
	opts Options,
) (Out, int, error) {
	var lastOut Out
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, attempt - 1, err
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return lastOut, attempt - 1, err
			}
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
		}
		result, err := processor.Process(reqCtx, item)
		lastOut = result
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, attempt, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return lastOut, attempt, ctx.Err()
		}
		maxAttempts := maxAttemptsForErr(opts.MaxAttempts, err)
		if !IsTransient(err) || attempt >= maxAttempts {
			return lastOut, attempt, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastOut, attempt, ctx.Err()
		}
	}
}

type attemptCap interface {
	MaxTotalAttempts() int
}

func maxAttemptsForErr(defaultMax int, err error) int {
	if defaultMax < 1 {
		defaultMax = 1
	}
	var capErr attemptCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxTotalAttempts()
		if limited < 1 {
			limited = 1
		}
		if limited < defaultMax {
			return limited
		}
	}
	return defaultMax
}

// IsTransient reports whether the error is worth retrying: explicitly marked
// transient, a deadline expiry, or a timeout-ish network error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || ne.Temporary()
	}
	return false
}

// backoffSleep doubles the initial delay per prior attempt, capped at max.
// attempt is 1-based: the sleep before attempt 2 is the initial delay.
func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 1; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
