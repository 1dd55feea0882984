// Package batch resolves large identifier sets against an upstream that
// accepts bounded multi-identifier requests.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBatchSize  = 30
	DefaultMaxBatches = 20
	DefaultDelay      = 100 * time.Millisecond
)

// ErrBatchCapExceeded marks identifiers that did not fit in MaxBatches chunks.
var ErrBatchCapExceeded = errors.New("batch cap exceeded")

type Options struct {
	BatchSize  int
	MaxBatches int
	// Delay is the pause between consecutive chunks.
	Delay time.Duration
	// Op labels logs and metrics.
	Op string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxBatches <= 0 {
		o.MaxBatches = DefaultMaxBatches
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Op == "" {
		o.Op = "batch"
	}
	return o
}

// Item is one positional answer in a chunk response. Err fails only this
// position; the rest of the chunk is still used.
type Item[T any] struct {
	Value T
	Found bool
	Err   error
}

// FetchFunc resolves one chunk. The returned slice must be aligned with ids.
type FetchFunc[T any] func(ctx context.Context, ids []string) ([]Item[T], error)

type Outcome[T any] struct {
	Value T
	Err   error
}

func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

type Result[T any] struct {
	Items         map[string]Outcome[T]
	Batches       int
	FailedBatches int
	Capped        int
}

func (r Result[T]) Resolved() map[string]T {
	out := make(map[string]T, len(r.Items))
	for id, o := range r.Items {
		if o.OK() {
			out[id] = o.Value
		}
	}
	return out
}

// Unresolved returns the sorted identifiers that carry an error.
func (r Result[T]) Unresolved() []string {
	var out []string
	for id, o := range r.Items {
		if !o.OK() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type Fetcher struct {
	sleepFn func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

type Option func(*Fetcher)

func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleepFn = fn }
}

func New(logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		sleepFn: sleepCtx,
		logger:  logger.With("component", "batch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchBatched deduplicates ids, splits them into chunks of BatchSize and
// resolves the chunks sequentially with Delay between them. A failed chunk
// marks only its own identifiers failed. Identifiers beyond MaxBatches
// chunks are not requested and fail with ErrBatchCapExceeded.
func FetchBatched[T any](ctx context.Context, f *Fetcher, ids []string, opts Options, fn FetchFunc[T]) Result[T] {
	opts = opts.withDefaults()
	ctx, span := tracing.Start(ctx, "batch", "FetchBatched", attribute.String("op", opts.Op))
	defer span.End()

	unique := dedupe(ids)
	res := Result[T]{Items: make(map[string]Outcome[T], len(unique))}

	limit := opts.BatchSize * opts.MaxBatches
	if len(unique) > limit {
		res.Capped = len(unique) - limit
		for _, id := range unique[limit:] {
			res.Items[id] = Outcome[T]{Err: ErrBatchCapExceeded}
		}
		metrics.BatchCappedIdentifiersTotal.WithLabelValues(opts.Op).Add(float64(res.Capped))
		f.logger.Warn("identifier set exceeds batch cap",
			"op", opts.Op,
			"identifiers", len(unique),
			"capped", res.Capped,
			"max_batches", opts.MaxBatches,
		)
		unique = unique[:limit]
	}

	chunks := chunk(unique, opts.BatchSize)
	span.SetAttributes(
		attribute.String("op", opts.Op),
		attribute.Int("identifiers", len(unique)),
		attribute.Int("chunks", len(chunks)),
	)

	for i, ids := range chunks {
		if i > 0 && opts.Delay > 0 {
			if err := f.sleepFn(ctx, opts.Delay); err != nil {
				failRemaining(res.Items, chunks[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			failRemaining(res.Items, chunks[i:], err)
			break
		}

		res.Batches++
		items, err := fn(ctx, ids)
		if err == nil && len(items) != len(ids) {
			err = upstream.Errorf(upstream.KindMalformedResponse, opts.Op,
				"batch answered %d items for %d identifiers", len(items), len(ids))
		}
		if err != nil {
			res.FailedBatches++
			metrics.BatchChunksTotal.WithLabelValues(opts.Op, "failed").Inc()
			f.logger.Warn("batch failed",
				"op", opts.Op,
				"batch", i+1,
				"of", len(chunks),
				"size", len(ids),
				"error", err,
			)
			for _, id := range ids {
				res.Items[id] = Outcome[T]{Err: err}
			}
			continue
		}

		metrics.BatchChunksTotal.WithLabelValues(opts.Op, "success").Inc()
		for j, id := range ids {
			if items[j].Err != nil {
				res.Items[id] = Outcome[T]{Err: items[j].Err}
				continue
			}
			if !items[j].Found {
				res.Items[id] = Outcome[T]{Err: upstream.Errorf(upstream.KindNoData, opts.Op, "no data for %s", id)}
				continue
			}
			res.Items[id] = Outcome[T]{Value: items[j].Value}
		}
	}

	f.logger.Debug("batched fetch complete",
		"op", opts.Op,
		"identifiers", len(res.Items),
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
	)
	return res
}

func failRemaining[T any](items map[string]Outcome[T], chunks [][]string, err error) {
	for _, ids := range chunks {
		for _, id := range ids {
			items[id] = Outcome[T]{Err: err}
		}
	}
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
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

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
