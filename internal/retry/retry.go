package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultMaxAttempts = NetworkMaxAttempts
)

// Policy bounds one retried operation.
type Policy struct {
	// Timeout bounds each attempt independently. Zero means no per-attempt bound.
	Timeout time.Duration
	// Retries is the number of attempts after the first. A negative value
	// leaves the budget entirely to the classifier.
	Retries int
	// BaseDelay is multiplied by the attempt number to get the wait before the
	// next attempt; MaxDelay caps it.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Classify overrides the package classifier.
	Classify func(error) Decision
}

func (p Policy) classify(err error) Decision {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return Classify(err)
}

// attemptLimit is the smaller of the caller's budget and the classifier's.
func (p Policy) attemptLimit(d Decision) int {
	limit := d.MaxAttempts
	if p.Retries >= 0 && (limit <= 0 || p.Retries+1 < limit) {
		limit = p.Retries + 1
	}
	if limit <= 0 {
		limit = defaultMaxAttempts
	}
	return limit
}

func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	d := base * time.Duration(attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// FailedError is returned once an operation stops retrying.
type FailedError struct {
	Op       string
	Attempts int
	Decision Decision
	Err      error
}

func (e *FailedError) Error() string {
	if e.Decision.IsTransient() {
		return fmt.Sprintf("transient_recovery_exhausted op=%s attempts=%d reason=%s: %v", e.Op, e.Attempts, e.Decision.Reason, e.Err)
	}
	return fmt.Sprintf("terminal_failure op=%s attempt=%d reason=%s: %v", e.Op, e.Attempts, e.Decision.Reason, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Retrier runs operations under a Policy. Sleeping and the clock are
// injectable so callers can test backoff without waiting.
type Retrier struct {
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

type Option func(*Retrier)

func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleepFn = fn }
}

func WithNowFunc(fn func() time.Time) Option {
	return func(r *Retrier) { r.nowFn = fn }
}

func New(logger *slog.Logger, opts ...Option) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrier{
		logger: logger.With("component", "retry"),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRetrier = New(nil)

// Do runs fn until it succeeds, the classifier declares the failure
// terminal, or the attempt budget is spent. Each attempt logs one record.
func Do[T any](ctx context.Context, r *Retrier, op string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if r == nil {
		r = defaultRetrier
	}
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	for attempt := 1; ; attempt++ {
		started := r.nowFn()
		v, err := runAttempt(ctx, op, p.Timeout, fn)
		elapsed := r.nowFn().Sub(started)
		metrics.RetryAttemptLatency.WithLabelValues(op).Observe(elapsed.Seconds())

		if err == nil {
			metrics.RetryAttemptsTotal.WithLabelValues(op, "success").Inc()
			r.logger.Debug("attempt succeeded",
				"op", op,
				"attempt", attempt,
				"elapsed_ms", elapsed.Milliseconds(),
				"outcome", "success",
			)
			return v, nil
		}

		if ctx.Err() != nil {
			metrics.RetryAttemptsTotal.WithLabelValues(op, "canceled").Inc()
			return zero, ctx.Err()
		}

		decision := p.classify(err)
		if !decision.IsTransient() || attempt >= p.attemptLimit(decision) {
			metrics.RetryAttemptsTotal.WithLabelValues(op, "failed").Inc()
			r.logger.Warn("attempt failed; giving up",
				"op", op,
				"attempt", attempt,
				"elapsed_ms", elapsed.Milliseconds(),
				"outcome", "failed",
				"classification", decision.Class,
				"classification_reason", decision.Reason,
				"error", err,
			)
			return zero, &FailedError{Op: op, Attempts: attempt, Decision: decision, Err: err}
		}

		delay := p.delay(attempt)
		metrics.RetryAttemptsTotal.WithLabelValues(op, "retry").Inc()
		r.logger.Warn("attempt failed; retrying",
			"op", op,
			"attempt", attempt,
			"elapsed_ms", elapsed.Milliseconds(),
			"outcome", "retry",
			"classification", decision.Class,
			"classification_reason", decision.Reason,
			"next_delay_ms", delay.Milliseconds(),
			"error", err,
		)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

// runAttempt bounds fn by timeout even if fn ignores its context.
func runAttempt[T any](ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- result{v: v, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !upstream.IsKind(res.err, upstream.KindTimeout) {
			return zero, attemptTimeout(op, timeout, res.err)
		}
		return res.v, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, attemptTimeout(op, timeout, attemptCtx.Err())
	}
}

func attemptTimeout(op string, timeout time.Duration, err error) error {
	return &upstream.Error{
		Kind:   upstream.KindTimeout,
		Source: op,
		Msg:    fmt.Sprintf("attempt exceeded %s", timeout),
		Err:    err,
	}
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if r.sleepFn != nil {
		return r.sleepFn(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
