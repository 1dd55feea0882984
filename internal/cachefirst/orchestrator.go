// Package cachefirst serves values from a cache backend and falls back to a
// fetch function on miss. Concurrent misses for one key share a single
// fetch, and a failed fetch serves the last stored value when one exists.
package cachefirst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const DefaultStaleRetention = time.Hour

type FetchFunc[T any] func(ctx context.Context) (T, error)

type Options struct {
	TTL time.Duration
	// ForceRefresh skips the cache read. The fetched value still replaces
	// the stored one.
	ForceRefresh bool
}

type Meta struct {
	Status   model.CacheStatus
	Key      string
	Elapsed  time.Duration
	StoredAt time.Time
	// Shared is true when the caller joined a fetch started by another caller.
	Shared bool
}

func (m Meta) Info() model.CacheInfo {
	return model.CacheInfo{
		Status:    m.Status,
		ElapsedMs: m.Elapsed.Milliseconds(),
		StoredAt:  m.StoredAt,
		Shared:    m.Shared,
	}
}

// envelope is the stored form of a value. The backend keeps it for
// TTL+staleRetention; freshness is judged from StoredAt and TTL only.
type envelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

func (e envelope) expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

type Orchestrator struct {
	store          cache.Store
	group          singleflight.Group
	staleRetention time.Duration
	nowFn          func() time.Time
	logger         *slog.Logger
}

type Option func(*Orchestrator)

// WithStaleRetention sets how long past expiry an entry stays available for
// stale serving.
func WithStaleRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleRetention = d }
}

func WithNowFunc(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFn = fn }
}

func New(store cache.Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:          store,
		staleRetention: DefaultStaleRetention,
		nowFn:          time.Now,
		logger:         logger.With("component", "cachefirst"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invalidate removes a stored value so the next lookup fetches.
func (o *Orchestrator) Invalidate(ctx context.Context, namespace, key string) error {
	full := cacheKey(namespace, key)
	if err := o.store.Delete(ctx, full); err != nil {
		metrics.CacheBackendErrorsTotal.WithLabelValues(namespace, "delete").Inc()
		return upstream.Wrap(upstream.KindCacheBackend, "cache", err)
	}
	o.logger.Info("cache entry invalidated", "key", full)
	return nil
}

type flightResult struct {
	value    json.RawMessage
	status   model.CacheStatus
	storedAt time.Time
}

// GetOrFetch returns the live cached value for namespace:key, or runs fetch
// once for all concurrent callers of that key and stores the result. If the
// fetch fails and a stored value remains within its retention window, that
// value is returned with status stale. The fetch is detached from ctx: a
// caller that gives up stops waiting but does not abort the fetch.
func GetOrFetch[T any](ctx context.Context, o *Orchestrator, namespace, key string, fetch FetchFunc[T], opts Options) (T, Meta, error) {
	ctx, span := tracing.Start(ctx, "cachefirst", "GetOrFetch", attribute.String("namespace", namespace))
	defer span.End()

	var zero T
	start := o.nowFn()
	full := cacheKey(namespace, key)
	meta := Meta{Key: full}
	span.SetAttributes(attribute.String("key", full), attribute.Bool("force_refresh", opts.ForceRefresh))

	if !opts.ForceRefresh {
		if env, ok := o.lookup(ctx, namespace, full); ok && !env.expired(o.nowFn()) {
			var v T
			if err := json.Unmarshal(env.Value, &v); err == nil {
				metrics.CacheLookupsTotal.WithLabelValues(namespace, string(model.CacheHit)).Inc()
				meta.Status = model.CacheHit
				meta.StoredAt = env.StoredAt
				meta.Elapsed = o.nowFn().Sub(start)
				span.SetAttributes(attribute.String("status", string(meta.Status)))
				return v, meta, nil
			}
			o.logger.Warn("cached value does not decode; treating as miss", "key", full)
		}
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(full, func() (any, error) {
		return o.flight(flightCtx, namespace, full, start, opts, func(ctx context.Context) (json.RawMessage, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", full, err)
			}
			return b, nil
		})
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		meta.Elapsed = o.nowFn().Sub(start)
		return zero, meta, ctx.Err()
	case res = <-ch:
	}

	meta.Shared = res.Shared
	meta.Elapsed = o.nowFn().Sub(start)
	if res.Shared {
		metrics.CacheSharedFetchesTotal.WithLabelValues(namespace).Inc()
	}
	if res.Err != nil {
		tracing.RecordError(span, res.Err)
		return zero, meta, res.Err
	}

	fr := res.Val.(flightResult)
	var v T
	if err := json.Unmarshal(fr.value, &v); err != nil {
		err = fmt.Errorf("decode %s: %w", full, err)
		tracing.RecordError(span, err)
		return zero, meta, err
	}
	meta.Status = fr.status
	meta.StoredAt = fr.storedAt
	span.SetAttributes(attribute.String("status", string(meta.Status)), attribute.Bool("shared", meta.Shared))
	return v, meta, nil
}

// flight runs inside the single-flight group. It re-reads the cache so a
// caller that missed just before another flight finished does not fetch
// again, then fetches, stores and falls back to stale on failure.
func (o *Orchestrator) flight(
	ctx context.Context,
	namespace, full string,
	start time.Time,
	opts Options,
	fetch func(ctx context.Context) (json.RawMessage, error),
) (flightResult, error) {
	if !opts.ForceRefresh {
		if env, ok := o.lookup(ctx, namespace, full); ok && !env.expired(o.nowFn()) && !env.StoredAt.Before(start) {
			metrics.CacheLookupsTotal.WithLabelValues(namespace, string(model.CacheHit)).Inc()
			return flightResult{value: env.Value, status: model.CacheHit, storedAt: env.StoredAt}, nil
		}
	}

	fetchStart := time.Now()
	value, err := fetch(ctx)
	metrics.CacheFetchLatency.WithLabelValues(namespace).Observe(time.Since(fetchStart).Seconds())

	if err != nil {
		if env, ok := o.lookup(ctx, namespace, full); ok {
			// A failed forced refresh over a live entry still serves fresh data.
			if !env.expired(o.nowFn()) {
				metrics.CacheLookupsTotal.WithLabelValues(namespace, string(model.CacheHit)).Inc()
				o.logger.Warn("refresh failed; keeping unexpired value",
					"key", full,
					"stored_at", env.StoredAt,
					"error", err,
				)
				return flightResult{value: env.Value, status: model.CacheHit, storedAt: env.StoredAt}, nil
			}
			metrics.CacheLookupsTotal.WithLabelValues(namespace, string(model.CacheStale)).Inc()
			o.logger.Warn("fetch failed; serving stale value",
				"key", full,
				"stored_at", env.StoredAt,
				"age", o.nowFn().Sub(env.StoredAt),
				"error", err,
			)
			return flightResult{value: env.Value, status: model.CacheStale, storedAt: env.StoredAt}, nil
		}
		metrics.CacheLookupsTotal.WithLabelValues(namespace, "error").Inc()
		return flightResult{}, err
	}

	storedAt := o.nowFn()
	o.write(ctx, namespace, full, envelope{Value: value, StoredAt: storedAt, TTL: opts.TTL})
	metrics.CacheLookupsTotal.WithLabelValues(namespace, string(model.CacheMiss)).Inc()
	return flightResult{value: value, status: model.CacheMiss, storedAt: storedAt}, nil
}

// lookup reads an envelope regardless of freshness. Backend failures and
// undecodable entries are logged and reported as absent.
func (o *Orchestrator) lookup(ctx context.Context, namespace, full string) (envelope, bool) {
	b, ok, err := o.store.Get(ctx, full)
	if err != nil {
		metrics.CacheBackendErrorsTotal.WithLabelValues(namespace, "get").Inc()
		o.logger.Warn("cache backend read failed; treating as miss",
			"key", full, "error", upstream.Wrap(upstream.KindCacheBackend, "cache", err))
		return envelope{}, false
	}
	if !ok {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		o.logger.Warn("cache entry does not decode; treating as miss", "key", full, "error", err)
		return envelope{}, false
	}
	return env, true
}

func (o *Orchestrator) write(ctx context.Context, namespace, full string, env envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		o.logger.Error("encode cache entry", "key", full, "error", err)
		return
	}
	if err := o.store.Set(ctx, full, b, env.TTL+o.staleRetention); err != nil {
		metrics.CacheBackendErrorsTotal.WithLabelValues(namespace, "set").Inc()
		o.logger.Warn("cache backend write failed",
			"key", full, "error", upstream.Wrap(upstream.KindCacheBackend, "cache", err))
	}
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}
