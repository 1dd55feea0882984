// Package fallback tries an ordered list of upstream sources for the same
// logical query. Priority order is fixed by the caller and never adapts to
// runtime performance.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emperorhan/supply-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAllSourcesExhausted is joined with the last observed failure when no
// source could answer.
var ErrAllSourcesExhausted error = upstream.New(upstream.KindAllSourcesExhausted, "", "every source failed")

// SourceResult is the outcome of one source for one query: either Value
// tagged with the answering SourceID, or Err with the failing SourceID.
type SourceResult[T any] struct {
	Value    T
	SourceID string
	Err      error
	Kind     upstream.Kind
	Attempts int
}

func (r SourceResult[T]) OK() bool {
	return r.Err == nil
}

// Source answers a whole query.
type Source[T any] struct {
	ID      string
	Fetch   func(ctx context.Context) (T, error)
	Policy  retry.Policy
	Breaker *circuitbreaker.Breaker
}

// Chain carries what every resolution shares: the retrier, the metrics
// label and the logger.
type Chain struct {
	name    string
	retrier *retry.Retrier
	logger  *slog.Logger
}

func New(name string, retrier *retry.Retrier, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		name:    name,
		retrier: retrier,
		logger:  logger.With("component", "fallback", "chain", name),
	}
}

func (c *Chain) Name() string {
	return c.name
}

// Resolve tries sources in order and returns the first success. Sources
// after the winner are never invoked. When every source fails, the last
// failure is returned with ErrAllSourcesExhausted joined to its error.
func Resolve[T any](ctx context.Context, c *Chain, sources []Source[T]) SourceResult[T] {
	ctx, span := tracing.Start(ctx, "fallback", "Resolve",
		attribute.String("chain", c.name), attribute.Int("sources", len(sources)))
	defer span.End()

	if len(sources) == 0 {
		err := fmt.Errorf("%w: no sources configured", ErrAllSourcesExhausted)
		tracing.RecordError(span, err)
		return SourceResult[T]{Err: err, Kind: upstream.KindAllSourcesExhausted}
	}

	var last SourceResult[T]
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return SourceResult[T]{SourceID: src.ID, Err: err, Kind: kindOf(err)}
		}

		res := attempt(ctx, c, src.ID, src.Breaker, src.Policy, src.Fetch)
		if res.OK() {
			metrics.FallbackResolutionsTotal.WithLabelValues(c.name, src.ID).Inc()
			span.SetAttributes(attribute.String("source", src.ID))
			return res
		}
		if errors.Is(res.Err, context.Canceled) && ctx.Err() != nil {
			return res
		}
		c.recordFailure(src.ID, res.Kind, res.Attempts, res.Err)
		last = res
	}

	metrics.FallbackExhaustedTotal.WithLabelValues(c.name).Inc()
	last.Err = fmt.Errorf("%w: %w", ErrAllSourcesExhausted, last.Err)
	tracing.RecordError(span, last.Err)
	return last
}

// attempt runs one source under its breaker and retry policy.
func attempt[T any](
	ctx context.Context,
	c *Chain,
	sourceID string,
	breaker *circuitbreaker.Breaker,
	policy retry.Policy,
	fetch func(ctx context.Context) (T, error),
) SourceResult[T] {
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			return SourceResult[T]{SourceID: sourceID, Err: err, Kind: upstream.KindCircuitOpen}
		}
	}

	v, err := retry.Do(ctx, c.retrier, c.name+"."+sourceID, policy, fetch)
	if breaker != nil {
		breaker.Record(err)
	}
	if err != nil {
		res := SourceResult[T]{SourceID: sourceID, Err: err, Kind: kindOf(err), Attempts: 1}
		var failed *retry.FailedError
		if errors.As(err, &failed) {
			res.Attempts = failed.Attempts
		}
		return res
	}
	return SourceResult[T]{Value: v, SourceID: sourceID}
}

func (c *Chain) recordFailure(sourceID string, kind upstream.Kind, attempts int, err error, attrs ...any) {
	metrics.FallbackSourceFailuresTotal.WithLabelValues(c.name, sourceID, kind.String()).Inc()
	args := append([]any{
		"source", sourceID,
		"kind", kind,
		"attempts", attempts,
		"error", err,
	}, attrs...)
	c.logger.Warn("source failed; falling back", args...)
}

const kindCanceled upstream.Kind = "canceled"

func kindOf(err error) upstream.Kind {
	if errors.Is(err, context.Canceled) {
		return kindCanceled
	}
	if k, ok := upstream.KindOf(err); ok {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return upstream.KindTimeout
	}
	return "unknown"
}
