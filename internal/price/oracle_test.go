package price

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/fallback"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	price decimal.Decimal
	err   error
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	p.calls.Add(1)
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.price, nil
}

func newTestOracle(cfg Config, providers ...Provider) *Oracle {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retrier := retry.New(logger, retry.WithSleepFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	orch := cachefirst.New(cache.NewMemoryStore(100, 1), logger)
	return New(orch, retrier, providers, nil, cfg, logger)
}

func TestFetchPrice_FallsBackToSecondProvider(t *testing.T) {
	panora := &fakeProvider{name: "panora", err: upstream.Errorf(upstream.KindClient, "panora", "unauthorized")}
	gecko := &fakeProvider{name: "coingecko", price: decimal.RequireFromString("100000.5")}
	o := newTestOracle(Config{TTL: time.Minute}, panora, gecko)

	p, err := o.FetchPrice(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "coingecko", p.Source)
	assert.Equal(t, "bitcoin", p.Symbol)
	assert.True(t, decimal.RequireFromString("100000.5").Equal(p.USD))
	assert.Equal(t, int32(1), panora.calls.Load(), "client errors are not retried")
}

func TestFetchPrice_Cached(t *testing.T) {
	gecko := &fakeProvider{name: "coingecko", price: decimal.NewFromInt(42)}
	o := newTestOracle(Config{TTL: time.Minute}, gecko)

	for i := 0; i < 3; i++ {
		p, err := o.FetchPrice(context.Background(), "bitcoin")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(42).Equal(p.USD))
	}
	assert.Equal(t, int32(1), gecko.calls.Load())
}

func TestFetchPrice_AllFailWithoutFallback(t *testing.T) {
	gecko := &fakeProvider{name: "coingecko", err: upstream.Errorf(upstream.KindNoData, "coingecko", "no price")}
	o := newTestOracle(Config{TTL: time.Minute}, gecko)

	_, err := o.FetchPrice(context.Background(), "bitcoin")
	require.Error(t, err)
	assert.ErrorIs(t, err, fallback.ErrAllSourcesExhausted)
}

func TestFetchPrice_StaticFallback(t *testing.T) {
	gecko := &fakeProvider{name: "coingecko", err: upstream.Errorf(upstream.KindNoData, "coingecko", "no price")}
	o := newTestOracle(Config{
		TTL:       time.Minute,
		Fallbacks: map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(100000)},
	}, gecko)

	p, err := o.FetchPrice(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, StaticSource, p.Source)
	assert.True(t, decimal.NewFromInt(100000).Equal(p.USD))

	_, err = o.FetchPrice(context.Background(), "aptos")
	assert.ErrorIs(t, err, fallback.ErrAllSourcesExhausted, "no fallback configured for aptos")
}

func TestFetchPrice_RetriesServerErrors(t *testing.T) {
	gecko := &fakeProvider{name: "coingecko", err: upstream.Errorf(upstream.KindServer, "coingecko", "bad gateway")}
	o := newTestOracle(Config{TTL: time.Minute, Policy: retry.Policy{Retries: -1}}, gecko)

	_, err := o.FetchPrice(context.Background(), "bitcoin")
	require.Error(t, err)
	assert.Equal(t, int32(retry.ServerMaxAttempts), gecko.calls.Load())
}
