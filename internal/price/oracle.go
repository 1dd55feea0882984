// Package price resolves USD spot prices through an ordered list of
// providers, caching the answer per symbol.
package price

import (
	"context"
	"log/slog"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/fallback"
	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/shopspring/decimal"
)

const (
	cacheNamespace = "price"
	// StaticSource tags a price taken from configuration after every
	// provider failed.
	StaticSource = "static"
)

// Provider answers a spot price in USD for a provider-specific asset id.
type Provider interface {
	Name() string
	FetchPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

type Config struct {
	TTL    time.Duration
	Policy retry.Policy
	// Fallbacks holds per-symbol prices returned instead of an error once
	// every provider failed and no cached price remains.
	Fallbacks map[string]decimal.Decimal
}

type Oracle struct {
	cache     *cachefirst.Orchestrator
	chain     *fallback.Chain
	providers []Provider
	breakers  *circuitbreaker.Registry
	cfg       Config
	nowFn     func() time.Time
	logger    *slog.Logger
}

// New builds an oracle that tries providers in the given order. breakers
// may be nil.
func New(
	cache *cachefirst.Orchestrator,
	retrier *retry.Retrier,
	providers []Provider,
	breakers *circuitbreaker.Registry,
	cfg Config,
	logger *slog.Logger,
) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		cache:     cache,
		chain:     fallback.New("price", retrier, logger),
		providers: providers,
		breakers:  breakers,
		cfg:       cfg,
		nowFn:     time.Now,
		logger:    logger.With("component", "price_oracle"),
	}
}

// FetchPrice returns the USD price for symbol, served from cache when fresh.
func (o *Oracle) FetchPrice(ctx context.Context, symbol string) (model.Price, error) {
	p, meta, err := cachefirst.GetOrFetch(ctx, o.cache, cacheNamespace, symbol, func(ctx context.Context) (model.Price, error) {
		return o.resolve(ctx, symbol)
	}, cachefirst.Options{TTL: o.cfg.TTL})
	if err == nil {
		if meta.Status == model.CacheStale {
			o.logger.Warn("serving stale price", "symbol", symbol, "fetched_at", p.FetchedAt)
		}
		return p, nil
	}

	if usd, ok := o.cfg.Fallbacks[symbol]; ok && ctx.Err() == nil {
		metrics.PriceFetchesTotal.WithLabelValues(symbol, StaticSource).Inc()
		o.logger.Warn("every price provider failed; using configured price",
			"symbol", symbol,
			"usd", usd.String(),
			"error", err,
		)
		return model.Price{
			Symbol:    symbol,
			USD:       usd,
			Source:    StaticSource,
			FetchedAt: o.nowFn(),
		}, nil
	}
	return model.Price{}, err
}

func (o *Oracle) resolve(ctx context.Context, symbol string) (model.Price, error) {
	sources := make([]fallback.Source[decimal.Decimal], 0, len(o.providers))
	for _, p := range o.providers {
		sources = append(sources, fallback.Source[decimal.Decimal]{
			ID: p.Name(),
			Fetch: func(ctx context.Context) (decimal.Decimal, error) {
				return p.FetchPrice(ctx, symbol)
			},
			Policy:  o.cfg.Policy,
			Breaker: o.breakers.Get(p.Name()),
		})
	}

	res := fallback.Resolve(ctx, o.chain, sources)
	if !res.OK() {
		return model.Price{}, res.Err
	}
	metrics.PriceFetchesTotal.WithLabelValues(symbol, res.SourceID).Inc()
	return model.Price{
		Symbol:    symbol,
		USD:       res.Value,
		Source:    res.SourceID,
		FetchedAt: o.nowFn(),
	}, nil
}
