// Package tokens resolves token metadata for arbitrary identifier sets,
// chunked against the indexer and cached per identifier set.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/batch"
	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/fallback"
	"github.com/emperorhan/supply-aggregator/internal/retry"
)

const (
	cacheNamespace = "metadata"
	batchOp        = "token_metadata"
)

// MetadataSource answers metadata for a chunk of identifiers, aligned with
// the input. A nil Metadata means the identifier is unknown.
type MetadataSource interface {
	FetchTokenMetadata(ctx context.Context, ids []string) ([]model.MetadataLookup, error)
}

type Options struct {
	BatchSize    int
	MaxBatches   int
	Delay        time.Duration
	ForceRefresh bool
}

type Config struct {
	TTL    time.Duration
	Policy retry.Policy
	// MaxBatchSize caps Options.BatchSize so one chunk never grows past what
	// the indexer answers in a single query. Defaults to batch.DefaultBatchSize.
	MaxBatchSize int
	Defaults     Options
}

type Service struct {
	source  MetadataSource
	cache   *cachefirst.Orchestrator
	retrier *retry.Retrier
	batcher *batch.Fetcher
	cfg     Config
	logger  *slog.Logger
}

func New(
	source MetadataSource,
	cache *cachefirst.Orchestrator,
	retrier *retry.Retrier,
	batcher *batch.Fetcher,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if batcher == nil {
		batcher = batch.New(logger)
	}
	return &Service{
		source:  source,
		cache:   cache,
		retrier: retrier,
		batcher: batcher,
		cfg:     cfg,
		logger:  logger.With("component", "tokens"),
	}
}

func (s *Service) withDefaults(opts Options) Options {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.Defaults.BatchSize
	}
	limit := s.cfg.MaxBatchSize
	if limit <= 0 {
		limit = batch.DefaultBatchSize
	}
	if opts.BatchSize > limit {
		s.logger.Debug("clamping requested batch size", "requested", opts.BatchSize, "max", limit)
		opts.BatchSize = limit
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = s.cfg.Defaults.MaxBatches
	}
	if opts.Delay <= 0 {
		opts.Delay = s.cfg.Defaults.Delay
	}
	return opts
}

// GetBatchedMetadata returns one result per distinct identifier. Unknown or
// failed identifiers carry an error string instead of metadata. An error is
// returned only when no identifier could be resolved and nothing usable is
// cached.
func (s *Service) GetBatchedMetadata(ctx context.Context, ids []string, opts Options) (map[string]model.MetadataResult, error) {
	if len(ids) == 0 {
		return map[string]model.MetadataResult{}, nil
	}
	opts = s.withDefaults(opts)

	out, meta, err := cachefirst.GetOrFetch(ctx, s.cache, cacheNamespace, setKey(ids, opts),
		func(ctx context.Context) (map[string]model.MetadataResult, error) {
			return s.fetch(ctx, ids, opts)
		},
		cachefirst.Options{TTL: s.cfg.TTL, ForceRefresh: opts.ForceRefresh},
	)
	if err != nil {
		return nil, err
	}
	if meta.Status == model.CacheStale {
		s.logger.Warn("serving stale token metadata", "identifiers", len(out), "stored_at", meta.StoredAt)
	}
	return out, nil
}

func (s *Service) fetch(ctx context.Context, ids []string, opts Options) (map[string]model.MetadataResult, error) {
	res := batch.FetchBatched(ctx, s.batcher, ids, batch.Options{
		BatchSize:  opts.BatchSize,
		MaxBatches: opts.MaxBatches,
		Delay:      opts.Delay,
		Op:         batchOp,
	}, s.fetchChunk)

	out := make(map[string]model.MetadataResult, len(res.Items))
	var firstErr error
	for id, o := range res.Items {
		if !o.OK() {
			if firstErr == nil {
				firstErr = o.Err
			}
			out[id] = model.MetadataResult{Error: o.Err.Error()}
			continue
		}
		md := o.Value
		out[id] = model.MetadataResult{Metadata: &md}
	}

	resolved := len(res.Items) - len(res.Unresolved())
	if resolved == 0 {
		return nil, fmt.Errorf("%w: token metadata for %d identifiers: %w", fallback.ErrAllSourcesExhausted, len(res.Items), firstErr)
	}
	s.logger.Info("token metadata fetched",
		"identifiers", len(res.Items),
		"resolved", resolved,
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
		"capped", res.Capped,
	)
	return out, nil
}

// fetchChunk retries a single chunk; a failing chunk never affects the
// others.
func (s *Service) fetchChunk(ctx context.Context, ids []string) ([]batch.Item[model.TokenMetadata], error) {
	rows, err := retry.Do(ctx, s.retrier, batchOp, s.cfg.Policy, func(ctx context.Context) ([]model.MetadataLookup, error) {
		return s.source.FetchTokenMetadata(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item[model.TokenMetadata], len(rows))
	for i, row := range rows {
		switch {
		case row.Err != nil:
			items[i] = batch.Item[model.TokenMetadata]{Err: row.Err}
		case row.Metadata != nil:
			items[i] = batch.Item[model.TokenMetadata]{Value: *row.Metadata, Found: true}
		}
	}
	return items, nil
}

// setKey digests the sorted distinct identifiers together with the options
// that shape the fetch, so equal requests share one cache entry.
func setKey(ids []string, opts Options) string {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\n")))
	fmt.Fprintf(h, "\nbatch=%d max=%d", opts.BatchSize, opts.MaxBatches)
	return hex.EncodeToString(h.Sum(nil))
}
