package supply

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/alert"
	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/fallback"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	supplymocks "github.com/emperorhan/supply-aggregator/internal/supply/mocks"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	xbtc = "0xaaa"
	wbtc = "0xbbb::wbtc::WBTC"
	abtc = "0xccc"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) Types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

func btcClass() model.AssetClass {
	return model.AssetClass{
		Name:               "btc",
		Chain:              model.ChainAptos,
		Network:            model.NetworkMainnet,
		PriceSymbol:        "bitcoin",
		ReferencePrecision: 10,
		Sources:            []model.SourceID{model.SourceMarket, model.SourceIndexer, model.SourceFullnode},
		Tokens: []model.Token{
			{Symbol: "xBTC", AssetType: xbtc, Decimals: 8},
			{Symbol: "WBTC", AssetType: wbtc, Decimals: 8},
			{Symbol: "aBTC", AssetType: abtc, Decimals: 10},
		},
	}
}

type fixture struct {
	market   *supplymocks.MockMarketSource
	indexer  *supplymocks.MockIndexerSource
	fullnode *supplymocks.MockFullnodeSource
	prices   *supplymocks.MockPriceSource
	alerts   *recordingAlerter
	clock    *testClock
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		market:   supplymocks.NewMockMarketSource(ctrl),
		indexer:  supplymocks.NewMockIndexerSource(ctrl),
		fullnode: supplymocks.NewMockFullnodeSource(ctrl),
		prices:   supplymocks.NewMockPriceSource(ctrl),
		alerts:   &recordingAlerter{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	orchestrator := cachefirst.New(cache.NewMemoryStore(128, 4), logger, cachefirst.WithNowFunc(f.clock.Now))
	retrier := retry.New(logger, retry.WithSleepFunc(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	if cfg.ReportTTL == 0 {
		cfg.ReportTTL = 10 * time.Minute
	}
	if cfg.Policies == nil {
		cfg.Policies = map[model.SourceID]retry.Policy{
			model.SourceMarket:   {Retries: 0},
			model.SourceIndexer:  {Retries: 0},
			model.SourceFullnode: {Retries: 0},
		}
	}

	f.svc = New([]model.AssetClass{btcClass()}, Deps{
		Market:   f.market,
		Indexer:  f.indexer,
		Fullnode: f.fullnode,
		Prices:   f.prices,
		Cache:    orchestrator,
		Retrier:  retrier,
		Alerter:  f.alerts,
	}, cfg, logger)
	return f
}

func btcPrice() model.Price {
	return model.Price{Symbol: "bitcoin", USD: decimal.NewFromInt(60000), Source: "panora"}
}

func listing(address string, decimals uint8, cash string) model.MarketAsset {
	return model.MarketAsset{
		Market:    "0xmarket-" + address,
		Address:   address,
		Decimals:  decimals,
		TotalCash: decimal.RequireFromString(cash),
	}
}

// expectHealthyRound sets up a round where the market answers both 8-decimal
// tokens and the indexer answers the 10-decimal one.
func (f *fixture) expectHealthyRound() {
	f.market.EXPECT().FetchMarkets(gomock.Any()).Return([]model.MarketAsset{
		listing(xbtc, 8, "50"),
		listing(wbtc, 8, "25"),
	}, nil)
	f.indexer.EXPECT().FetchAggregateBalances(gomock.Any(), []string{abtc}).
		Return([]*big.Int{big.NewInt(1_000_000_000_000)}, nil)
	f.prices.EXPECT().FetchPrice(gomock.Any(), "bitcoin").Return(btcPrice(), nil)
}

// expectFailingRound makes every source fail for every token.
func (f *fixture) expectFailingRound() {
	f.market.EXPECT().FetchMarkets(gomock.Any()).
		Return(nil, upstream.New(upstream.KindServer, "echelon", "bad gateway"))
	f.indexer.EXPECT().FetchAggregateBalances(gomock.Any(), []string{xbtc, wbtc, abtc}).
		Return(nil, upstream.New(upstream.KindNetwork, "aptos-indexer", "connection refused"))
	f.fullnode.EXPECT().FetchSupply(gomock.Any(), gomock.Any()).
		Return(nil, upstream.New(upstream.KindTimeout, "aptos-fullnode", "deadline exceeded")).Times(3)
	f.prices.EXPECT().FetchPrice(gomock.Any(), "bitcoin").Return(btcPrice(), nil)
}

// ---------------------------------------------------------------------------
// GetSupplyReport
// ---------------------------------------------------------------------------

func TestGetSupplyReport_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHealthyRound()

	report, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	assert.Equal(t, "1750000000000", report.Total.Value.String())
	assert.Equal(t, uint8(10), report.Total.Precision)
	assert.Equal(t, "175.0000000000", report.TotalDisplay)
	assert.True(t, decimal.NewFromInt(10_500_000).Equal(report.TotalValueUSD), "got %s", report.TotalValueUSD)
	assert.Empty(t, report.PartialFailures)
	assert.Equal(t, model.CacheMiss, report.Cache.Status)
	require.NotNil(t, report.Price)
	assert.Equal(t, "panora", report.Price.Source)

	require.Len(t, report.Items, 3)
	assert.Equal(t, model.SourceMarket, report.Items[xbtc].Source)
	assert.Equal(t, "50.0000000000", report.Items[xbtc].Display)
	assert.Equal(t, model.SourceMarket, report.Items[wbtc].Source)
	assert.Equal(t, "25.0000000000", report.Items[wbtc].Display)
	assert.Equal(t, model.SourceIndexer, report.Items[abtc].Source)
	assert.Equal(t, "100.0000000000", report.Items[abtc].Display)
	assert.True(t, decimal.NewFromInt(3_000_000).Equal(report.Items[xbtc].ValueUSD))

	shares := map[string]string{xbtc: "28.5714", wbtc: "14.2857", abtc: "57.1429"}
	for id, want := range shares {
		assert.True(t, decimal.RequireFromString(want).Equal(report.Items[id].Share), "%s share %s", id, report.Items[id].Share)
	}
	assert.Empty(t, f.alerts.Types())
}

func TestGetSupplyReport_CachedWithinTTL(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHealthyRound()

	first, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	second, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	assert.Equal(t, model.CacheHit, second.Cache.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1750000000000", second.Total.Value.String())
	assert.Equal(t, "175.0000000000", second.TotalDisplay)
}

func TestGetSupplyReport_ForceRefreshRebuilds(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHealthyRound()
	f.expectHealthyRound()

	first, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	refreshed, err := f.svc.GetSupplyReport(context.Background(), "btc", true)
	require.NoError(t, err)
	assert.Equal(t, model.CacheMiss, refreshed.Cache.Status)
	assert.NotEqual(t, first.ID, refreshed.ID)

	cached, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)
	assert.Equal(t, refreshed.ID, cached.ID, "forced refresh replaces the shared entry")
}

func TestGetSupplyReport_IsolatedRefreshKeepsSharedEntry(t *testing.T) {
	f := newFixture(t, Config{IsolateForcedRefresh: true})
	f.expectHealthyRound()
	f.expectHealthyRound()

	first, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	refreshed, err := f.svc.GetSupplyReport(context.Background(), "btc", true)
	require.NoError(t, err)
	assert.Equal(t, model.CacheMiss, refreshed.Cache.Status)
	assert.NotEqual(t, first.ID, refreshed.ID)

	cached, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)
	assert.Equal(t, model.CacheHit, cached.Cache.Status)
	assert.Equal(t, first.ID, cached.ID)
}

func TestGetSupplyReport_DecimalsMismatchFallsThrough(t *testing.T) {
	f := newFixture(t, Config{})

	f.market.EXPECT().FetchMarkets(gomock.Any()).Return([]model.MarketAsset{
		listing(xbtc, 6, "50"),
		listing(wbtc, 8, "25"),
	}, nil)
	f.indexer.EXPECT().FetchAggregateBalances(gomock.Any(), []string{xbtc, abtc}).
		Return([]*big.Int{big.NewInt(5_000_000_000), big.NewInt(1_000_000_000_000)}, nil)
	f.prices.EXPECT().FetchPrice(gomock.Any(), "bitcoin").Return(btcPrice(), nil)

	report, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	assert.Equal(t, model.SourceIndexer, report.Items[xbtc].Source)
	assert.Equal(t, "50.0000000000", report.Items[xbtc].Display)
	assert.Equal(t, "1750000000000", report.Total.Value.String())
}

func TestGetSupplyReport_PartialFailure(t *testing.T) {
	f := newFixture(t, Config{})

	f.market.EXPECT().FetchMarkets(gomock.Any()).
		Return(nil, upstream.New(upstream.KindClient, "echelon", "bad request"))
	f.indexer.EXPECT().FetchAggregateBalances(gomock.Any(), []string{xbtc, wbtc, abtc}).
		Return([]*big.Int{big.NewInt(5_000_000_000), big.NewInt(2_500_000_000), nil}, nil)
	f.fullnode.EXPECT().FetchSupply(gomock.Any(), abtc).
		Return(nil, upstream.New(upstream.KindNoData, "aptos-fullnode", "resource not found"))
	f.prices.EXPECT().FetchPrice(gomock.Any(), "bitcoin").Return(btcPrice(), nil)

	report, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	assert.True(t, report.IsPartial())
	assert.Equal(t, []string{abtc}, report.PartialFailures)
	assert.True(t, report.Items[abtc].Failed())
	assert.Contains(t, report.Items[abtc].Error, "no_data")
	assert.Equal(t, "750000000000", report.Total.Value.String())
	assert.Equal(t, "75.0000000000", report.TotalDisplay)
	assert.True(t, decimal.RequireFromString("66.6667").Equal(report.Items[xbtc].Share))
	assert.True(t, decimal.RequireFromString("33.3333").Equal(report.Items[wbtc].Share))
	assert.True(t, report.Items[abtc].Share.IsZero(), "failed items have no share")
	assert.Equal(t, []alert.AlertType{alert.AlertTypePartialFailure}, f.alerts.Types())
}

func TestGetSupplyReport_AllSourcesExhausted(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectFailingRound()

	report, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, fallback.ErrAllSourcesExhausted))
	assert.Equal(t, []alert.AlertType{alert.AlertTypeSourcesExhausted}, f.alerts.Types())
}

func TestGetSupplyReport_ServesStaleThenRecovers(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHealthyRound()
	f.expectFailingRound()
	f.expectHealthyRound()

	first, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	stale, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)
	assert.True(t, stale.IsStale())
	assert.Equal(t, first.ID, stale.ID)
	assert.Equal(t, "175.0000000000", stale.TotalDisplay)

	fresh, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)
	assert.Equal(t, model.CacheMiss, fresh.Cache.Status)

	assert.Equal(t, []alert.AlertType{alert.AlertTypeStaleServed, alert.AlertTypeRecovery}, f.alerts.Types())
}

func TestGetSupplyReport_PriceFailureKeepsSupply(t *testing.T) {
	f := newFixture(t, Config{})

	f.market.EXPECT().FetchMarkets(gomock.Any()).Return([]model.MarketAsset{
		listing(xbtc, 8, "50"),
		listing(wbtc, 8, "25"),
		listing(abtc, 10, "100"),
	}, nil)
	f.prices.EXPECT().FetchPrice(gomock.Any(), "bitcoin").
		Return(model.Price{}, upstream.New(upstream.KindServer, "coingecko", "unavailable"))

	report, err := f.svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)

	assert.Equal(t, "175.0000000000", report.TotalDisplay)
	assert.Nil(t, report.Price)
	assert.Contains(t, report.PriceError, "unavailable")
	assert.True(t, report.TotalValueUSD.IsZero())
}

func TestGetSupplyReport_UnknownClass(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.GetSupplyReport(context.Background(), "eth", false)
	assert.ErrorIs(t, err, ErrUnknownAssetClass)
}

func TestGetSupplyReport_SkipsUnconfiguredSources(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	indexer := supplymocks.NewMockIndexerSource(ctrl)

	indexer.EXPECT().FetchAggregateBalances(gomock.Any(), []string{xbtc, wbtc, abtc}).
		Return([]*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}, nil)

	svc := New([]model.AssetClass{btcClass()}, Deps{
		Indexer: indexer,
		Cache:   cachefirst.New(cache.NewMemoryStore(16, 1), logger),
	}, Config{ReportTTL: time.Minute}, logger)

	report, err := svc.GetSupplyReport(context.Background(), "btc", false)
	require.NoError(t, err)
	assert.Equal(t, "303", report.Total.Value.String())
	assert.Equal(t, "no price source configured", report.PriceError)
}

func TestAssetClassesSorted(t *testing.T) {
	eth := model.AssetClass{Name: "eth"}
	svc := New([]model.AssetClass{eth, btcClass()}, Deps{}, Config{}, nil)

	classes := svc.AssetClasses()
	require.Len(t, classes, 2)
	assert.Equal(t, "btc", classes[0].Name)
	assert.Equal(t, "eth", classes[1].Name)
}
