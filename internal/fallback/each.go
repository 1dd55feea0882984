package fallback

import (
	"context"
	"fmt"
	"sort"

	"github.com/emperorhan/supply-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const defaultItemConcurrency = 4

// ItemSource answers a query item by item. Exactly one of FetchBatch and
// FetchOne should be set. FetchBatch is retried once per call for all
// pending items; FetchOne is retried per item with bounded parallelism.
// A FetchBatch answer that omits an identifier counts as no data for that
// identifier only.
type ItemSource[T any] struct {
	ID          string
	FetchBatch  func(ctx context.Context, ids []string) (map[string]T, error)
	FetchOne    func(ctx context.Context, id string) (T, error)
	Policy      retry.Policy
	Breaker     *circuitbreaker.Breaker
	Concurrency int
	// Validate, when set, can reject an answered value. A rejected item is
	// forwarded to the next source like any other failure.
	Validate func(id string, v T) error
}

// EachResult splits identifiers into those some source resolved and those
// every source failed for. Failed entries carry the last source's error.
type EachResult[T any] struct {
	Resolved map[string]SourceResult[T]
	Failed   map[string]SourceResult[T]
}

// Failures returns the identifiers that could not be resolved, sorted.
func (r EachResult[T]) Failures() []string {
	out := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveEach fans a multi-item query out across sources. Each source only
// sees the items earlier sources left unresolved; per item, sources are
// still tried strictly in order.
func ResolveEach[T any](ctx context.Context, c *Chain, ids []string, sources []ItemSource[T]) EachResult[T] {
	ctx, span := tracing.Start(ctx, "fallback", "ResolveEach")
	span.SetAttributes(
		attribute.String("chain", c.name),
		attribute.Int("items", len(ids)),
		attribute.Int("sources", len(sources)),
	)
	defer span.End()

	result := EachResult[T]{
		Resolved: make(map[string]SourceResult[T]),
		Failed:   make(map[string]SourceResult[T]),
	}

	pending := dedupe(ids)
	if len(sources) == 0 {
		for _, id := range pending {
			result.Failed[id] = SourceResult[T]{
				Err:  fmt.Errorf("%w: no sources configured", ErrAllSourcesExhausted),
				Kind: upstream.KindAllSourcesExhausted,
			}
		}
		return result
	}

	for _, src := range sources {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			for _, id := range pending {
				result.Failed[id] = SourceResult[T]{SourceID: src.ID, Err: err, Kind: kindOf(err)}
			}
			return result
		}

		answers := querySource(ctx, c, src, pending)

		next := make([]string, 0, len(pending))
		for _, id := range pending {
			res := answers[id]
			if res.OK() && src.Validate != nil {
				if err := src.Validate(id, res.Value); err != nil {
					res = SourceResult[T]{SourceID: src.ID, Err: err, Kind: kindOf(err), Attempts: res.Attempts}
				}
			}
			if res.OK() {
				result.Resolved[id] = res
				delete(result.Failed, id)
				metrics.FallbackResolutionsTotal.WithLabelValues(c.name, src.ID).Inc()
				continue
			}
			result.Failed[id] = res
			c.recordFailure(src.ID, res.Kind, res.Attempts, res.Err, "item", id)
			next = append(next, id)
		}
		pending = next
	}

	if len(pending) > 0 {
		metrics.FallbackExhaustedTotal.WithLabelValues(c.name).Add(float64(len(pending)))
		span.SetAttributes(attribute.Int("unresolved", len(pending)))
	}
	for _, id := range pending {
		res := result.Failed[id]
		res.Err = fmt.Errorf("%w: %w", ErrAllSourcesExhausted, res.Err)
		result.Failed[id] = res
	}
	return result
}

func querySource[T any](ctx context.Context, c *Chain, src ItemSource[T], pending []string) map[string]SourceResult[T] {
	out := make(map[string]SourceResult[T], len(pending))

	if src.FetchBatch != nil {
		batch := append([]string(nil), pending...)
		res := attempt(ctx, c, src.ID, src.Breaker, src.Policy, func(ctx context.Context) (map[string]T, error) {
			return src.FetchBatch(ctx, batch)
		})
		for _, id := range pending {
			if !res.OK() {
				out[id] = SourceResult[T]{SourceID: src.ID, Err: res.Err, Kind: res.Kind, Attempts: res.Attempts}
				continue
			}
			v, ok := res.Value[id]
			if !ok {
				out[id] = SourceResult[T]{
					SourceID: src.ID,
					Err:      upstream.Errorf(upstream.KindNoData, src.ID, "no value for %s", id),
					Kind:     upstream.KindNoData,
					Attempts: 1,
				}
				continue
			}
			out[id] = SourceResult[T]{Value: v, SourceID: src.ID}
		}
		return out
	}

	if src.FetchOne == nil {
		for _, id := range pending {
			out[id] = SourceResult[T]{
				SourceID: src.ID,
				Err:      upstream.New(upstream.KindNoData, src.ID, "source has no fetch function"),
				Kind:     upstream.KindNoData,
			}
		}
		return out
	}

	limit := src.Concurrency
	if limit <= 0 {
		limit = defaultItemConcurrency
	}
	results := make([]SourceResult[T], len(pending))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range pending {
		g.Go(func() error {
			results[i] = attempt(ctx, c, src.ID, src.Breaker, src.Policy, func(ctx context.Context) (T, error) {
				return src.FetchOne(ctx, id)
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range pending {
		out[id] = results[i]
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
