package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"golang.org/x/time/rate"
)

// ErrWaitExceedsDeadline is returned when the caller's deadline expires
// before a token would become available. It matches
// context.DeadlineExceeded so callers treat it as a timeout.
var ErrWaitExceedsDeadline = fmt.Errorf("rate limit wait exceeds deadline: %w", context.DeadlineExceeded)

var errReserve = errors.New("rate: cannot reserve token")

// Limiter paces calls to one upstream with a token bucket.
type Limiter struct {
	limiter  *rate.Limiter
	upstream string
}

// NewLimiter allows rps calls per second with the given burst. rps <= 0
// disables pacing.
func NewLimiter(rps float64, burst int, upstream string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, max(burst, 1)),
		upstream: upstream,
	}
}

// Wait blocks until a token is available. It gives the token back and
// fails fast when ctx would expire first. A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r := l.limiter.Reserve()
	if !r.OK() {
		return errReserve
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return ErrWaitExceedsDeadline
	}

	metrics.UpstreamRateLimitWaits.WithLabelValues(l.upstream).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (l *Limiter) Upstream() string {
	if l == nil {
		return ""
	}
	return l.upstream
}
