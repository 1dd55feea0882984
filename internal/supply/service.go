// Package supply builds per-asset-class supply reports: every token of a
// class is resolved through the configured source order, normalized to the
// class reference precision, summed and valued in USD.
package supply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/alert"
	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/fallback"
	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/normalize"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const cacheNamespace = "supply"

var ErrUnknownAssetClass = errors.New("unknown asset class")

type Config struct {
	ReportTTL time.Duration
	// IsolateForcedRefresh makes a forced refresh build its report under a
	// one-off key, leaving the shared entry untouched.
	IsolateForcedRefresh bool
	Policies             map[model.SourceID]retry.Policy
	FullnodeConcurrency  int
}

// Deps are the collaborators of a Service. Any nil source is skipped when
// it appears in a class's source order.
type Deps struct {
	Market   MarketSource
	Indexer  IndexerSource
	Fullnode FullnodeSource
	Prices   PriceSource
	Cache    *cachefirst.Orchestrator
	Retrier  *retry.Retrier
	Breakers *circuitbreaker.Registry
	Alerter  alert.Alerter
}

type Service struct {
	classes map[string]model.AssetClass
	deps    Deps
	chain   *fallback.Chain
	cfg     Config
	nowFn   func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	degraded map[string]bool
}

func New(classes []model.AssetClass, deps Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Alerter == nil {
		deps.Alerter = &alert.NoopAlerter{}
	}
	byName := make(map[string]model.AssetClass, len(classes))
	for _, c := range classes {
		byName[c.Name] = c
	}
	return &Service{
		classes:  byName,
		deps:     deps,
		chain:    fallback.New(cacheNamespace, deps.Retrier, logger),
		cfg:      cfg,
		nowFn:    time.Now,
		logger:   logger.With("component", "supply"),
		degraded: make(map[string]bool),
	}
}

// AssetClasses returns the configured classes sorted by name.
func (s *Service) AssetClasses() []model.AssetClass {
	out := make([]model.AssetClass, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func standardKey(class string) string {
	return class + ":standard"
}

// GetSupplyReport returns the report for assetClass, served from cache when
// fresh. When every item fails and an expired report is still retained,
// that report is returned marked stale.
func (s *Service) GetSupplyReport(ctx context.Context, assetClass string, forceRefresh bool) (*model.AggregateReport, error) {
	class, ok := s.classes[assetClass]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAssetClass, assetClass)
	}

	ctx, span := tracing.Start(ctx, "supply", "GetSupplyReport",
		attribute.String("asset_class", class.Name), attribute.Bool("force_refresh", forceRefresh))
	defer span.End()

	fetch := func(ctx context.Context) (model.AggregateReport, error) {
		return s.buildReport(ctx, class)
	}

	var (
		report model.AggregateReport
		meta   cachefirst.Meta
		err    error
	)
	if forceRefresh && s.cfg.IsolateForcedRefresh {
		key := class.Name + ":refresh:" + uuid.NewString()
		report, meta, err = cachefirst.GetOrFetch(ctx, s.deps.Cache, cacheNamespace, key, fetch, cachefirst.Options{TTL: s.cfg.ReportTTL})
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("isolated refresh failed; falling back to shared report", "asset_class", class.Name, "error", err)
			report, meta, err = cachefirst.GetOrFetch(ctx, s.deps.Cache, cacheNamespace, standardKey(class.Name), fetch,
				cachefirst.Options{TTL: s.cfg.ReportTTL})
		}
	} else {
		report, meta, err = cachefirst.GetOrFetch(ctx, s.deps.Cache, cacheNamespace, standardKey(class.Name), fetch,
			cachefirst.Options{TTL: s.cfg.ReportTTL, ForceRefresh: forceRefresh})
	}
	if err != nil {
		tracing.RecordError(span, err)
		if ctx.Err() == nil {
			s.notify(ctx, class.Name, alert.Alert{
				Type:    alert.AlertTypeSourcesExhausted,
				Title:   fmt.Sprintf("Supply report for %s unavailable", class.Name),
				Message: err.Error(),
			})
		}
		return nil, err
	}

	report.Cache = meta.Info()
	span.SetAttributes(attribute.String("cache_status", string(meta.Status)))
	s.reportHealth(ctx, &report, meta)
	return &report, nil
}

func (s *Service) reportHealth(ctx context.Context, report *model.AggregateReport, meta cachefirst.Meta) {
	switch {
	case report.IsStale():
		s.notify(ctx, report.AssetClass, alert.Alert{
			Type:    alert.AlertTypeStaleServed,
			Title:   fmt.Sprintf("Serving stale supply report for %s", report.AssetClass),
			Message: "refresh failed on every source; the last good report was returned",
			Fields: map[string]string{
				"stored_at": report.Cache.StoredAt.UTC().Format(time.RFC3339),
			},
		})
	case meta.Status != model.CacheMiss:
	case report.IsPartial():
		s.notify(ctx, report.AssetClass, alert.Alert{
			Type:    alert.AlertTypePartialFailure,
			Title:   fmt.Sprintf("Partial supply report for %s", report.AssetClass),
			Message: fmt.Sprintf("%d of %d items could not be resolved", len(report.PartialFailures), len(report.Items)),
			Fields:  map[string]string{"failed": fmt.Sprint(report.PartialFailures)},
		})
	default:
		s.mu.Lock()
		wasDegraded := s.degraded[report.AssetClass]
		delete(s.degraded, report.AssetClass)
		s.mu.Unlock()
		if wasDegraded {
			s.send(ctx, alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Subject: report.AssetClass,
				Title:   fmt.Sprintf("Supply report for %s recovered", report.AssetClass),
				Message: "every item resolved",
			})
		}
	}
}

// notify records the class as degraded and sends a failure alert.
func (s *Service) notify(ctx context.Context, class string, a alert.Alert) {
	s.mu.Lock()
	s.degraded[class] = true
	s.mu.Unlock()
	a.Subject = class
	s.send(ctx, a)
}

func (s *Service) send(ctx context.Context, a alert.Alert) {
	if err := s.deps.Alerter.Send(ctx, a); err != nil {
		s.logger.Warn("failed to send alert", "type", a.Type, "subject", a.Subject, "error", err)
	}
}

func (s *Service) buildReport(ctx context.Context, class model.AssetClass) (model.AggregateReport, error) {
	start := s.nowFn()

	var (
		price    model.Price
		priceErr error
		resolved fallback.EachResult[model.AmountRaw]
	)
	var g errgroup.Group
	g.Go(func() error {
		price, priceErr = s.fetchPrice(ctx, class)
		return nil
	})
	g.Go(func() error {
		resolved = fallback.ResolveEach(ctx, s.chain, class.AssetTypes(), s.itemSources(class))
		return nil
	})
	_ = g.Wait()

	report := model.AggregateReport{
		ID:              uuid.New(),
		AssetClass:      class.Name,
		Precision:       class.ReferencePrecision,
		Items:           make(map[string]model.ItemReport, len(class.Tokens)),
		TotalValueUSD:   decimal.Zero,
		PartialFailures: []string{},
		GeneratedAt:     s.nowFn().UTC(),
	}

	amounts := make([]model.NormalizedAmount, 0, len(class.Tokens))
	for _, tok := range class.Tokens {
		item := model.ItemReport{
			Symbol:    tok.Symbol,
			AssetType: tok.AssetType,
			Decimals:  tok.Decimals,
			ValueUSD:  decimal.Zero,
			Share:     decimal.Zero,
		}
		res, ok := resolved.Resolved[tok.AssetType]
		if !ok {
			item.Error = errString(resolved.Failed[tok.AssetType].Err)
			report.Items[tok.AssetType] = item
			report.PartialFailures = append(report.PartialFailures, tok.AssetType)
			continue
		}
		item.Source = model.SourceID(res.SourceID)
		n, err := normalize.Normalize(res.Value, class.ReferencePrecision)
		if err != nil {
			item.Error = err.Error()
			report.Items[tok.AssetType] = item
			report.PartialFailures = append(report.PartialFailures, tok.AssetType)
			continue
		}
		item.Amount = &n
		item.Display = normalize.Display(n)
		if priceErr == nil {
			item.ValueUSD = normalize.USDValue(n, price.USD)
		}
		report.Items[tok.AssetType] = item
		amounts = append(amounts, n)
	}
	sort.Strings(report.PartialFailures)

	if len(amounts) == 0 && len(class.Tokens) > 0 {
		metrics.SupplyReportsTotal.WithLabelValues(class.Name, "failed").Inc()
		return model.AggregateReport{}, fmt.Errorf("%w: asset class %s: all %d items failed",
			fallback.ErrAllSourcesExhausted, class.Name, len(class.Tokens))
	}

	total, err := normalize.Sum(class.ReferencePrecision, amounts...)
	if err != nil {
		return model.AggregateReport{}, err
	}
	report.Total = total
	report.TotalDisplay = normalize.Display(total)
	for id, item := range report.Items {
		if item.Failed() {
			continue
		}
		share, err := normalize.Share(*item.Amount, total)
		if err != nil {
			return model.AggregateReport{}, err
		}
		item.Share = share
		report.Items[id] = item
	}

	if priceErr != nil {
		report.PriceError = priceErr.Error()
		s.logger.Warn("price unavailable; reporting supply without USD value",
			"asset_class", class.Name,
			"symbol", class.PriceSymbol,
			"error", priceErr,
		)
	} else {
		report.Price = &price
		report.TotalValueUSD = normalize.USDValue(total, price.USD)
	}

	outcome := "complete"
	if report.IsPartial() {
		outcome = "partial"
	}
	metrics.SupplyReportsTotal.WithLabelValues(class.Name, outcome).Inc()
	metrics.SupplyTotalNormalized.WithLabelValues(class.Name).Set(decimal.NewFromBigInt(total.Value, -int32(total.Precision)).InexactFloat64())
	metrics.SupplyTotalValueUSD.WithLabelValues(class.Name).Set(report.TotalValueUSD.InexactFloat64())

	s.logger.Info("supply report built",
		"asset_class", class.Name,
		"total", report.TotalDisplay,
		"value_usd", report.TotalValueUSD.StringFixed(2),
		"partial_failures", len(report.PartialFailures),
		"elapsed", s.nowFn().Sub(start),
	)
	return report, nil
}

func (s *Service) fetchPrice(ctx context.Context, class model.AssetClass) (model.Price, error) {
	if s.deps.Prices == nil || class.PriceSymbol == "" {
		return model.Price{}, errors.New("no price source configured")
	}
	return s.deps.Prices.FetchPrice(ctx, class.PriceSymbol)
}

// itemSources maps the class's source order onto fallback sources. Sources
// without a configured client are left out.
func (s *Service) itemSources(class model.AssetClass) []fallback.ItemSource[model.AmountRaw] {
	out := make([]fallback.ItemSource[model.AmountRaw], 0, len(class.Sources))
	for _, id := range class.Sources {
		src, ok := s.itemSource(class, id)
		if !ok {
			s.logger.Debug("source not configured; skipping", "asset_class", class.Name, "source", id)
			continue
		}
		src.ID = id.String()
		src.Policy = s.cfg.Policies[id]
		src.Breaker = s.deps.Breakers.Get(id.String())
		src.Validate = decimalsValidator(class, id)
		out = append(out, src)
	}
	return out
}

func (s *Service) itemSource(class model.AssetClass, id model.SourceID) (fallback.ItemSource[model.AmountRaw], bool) {
	switch id {
	case model.SourceMarket:
		if s.deps.Market == nil {
			return fallback.ItemSource[model.AmountRaw]{}, false
		}
		return fallback.ItemSource[model.AmountRaw]{FetchBatch: s.marketBatch}, true
	case model.SourceIndexer:
		if s.deps.Indexer == nil {
			return fallback.ItemSource[model.AmountRaw]{}, false
		}
		return fallback.ItemSource[model.AmountRaw]{
			FetchBatch: func(ctx context.Context, ids []string) (map[string]model.AmountRaw, error) {
				return s.indexerBatch(ctx, class, ids)
			},
		}, true
	case model.SourceFullnode:
		if s.deps.Fullnode == nil {
			return fallback.ItemSource[model.AmountRaw]{}, false
		}
		return fallback.ItemSource[model.AmountRaw]{
			FetchOne: func(ctx context.Context, id string) (model.AmountRaw, error) {
				v, err := s.deps.Fullnode.FetchSupply(ctx, id)
				if err != nil {
					return model.AmountRaw{}, err
				}
				tok, _ := class.TokenByAssetType(id)
				return model.AmountRaw{Value: v, Decimals: tok.Decimals}, nil
			},
			Concurrency: s.cfg.FullnodeConcurrency,
		}, true
	}
	return fallback.ItemSource[model.AmountRaw]{}, false
}

// marketBatch reads the deposited cash of every listing matching ids. The
// listing's own decimals travel with the amount so they can be checked
// against the registry.
func (s *Service) marketBatch(ctx context.Context, ids []string) (map[string]model.AmountRaw, error) {
	markets, err := s.deps.Market.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.AmountRaw, len(ids))
	for _, id := range ids {
		for _, m := range markets {
			if !m.Matches(id) {
				continue
			}
			v, err := normalize.FromDecimal(m.TotalCash, m.Decimals)
			if err != nil {
				s.logger.Warn("unusable market cash", "asset_type", id, "market", m.Market, "error", err)
				break
			}
			out[id] = model.AmountRaw{Value: v, Decimals: m.Decimals}
			break
		}
	}
	return out, nil
}

func (s *Service) indexerBatch(ctx context.Context, class model.AssetClass, ids []string) (map[string]model.AmountRaw, error) {
	balances, err := s.deps.Indexer.FetchAggregateBalances(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(balances) != len(ids) {
		return nil, upstream.Errorf(upstream.KindMalformedResponse, model.SourceIndexer.String(),
			"got %d balances for %d asset types", len(balances), len(ids))
	}
	out := make(map[string]model.AmountRaw, len(ids))
	for i, id := range ids {
		if balances[i] == nil {
			continue
		}
		tok, _ := class.TokenByAssetType(id)
		out[id] = model.AmountRaw{Value: balances[i], Decimals: tok.Decimals}
	}
	return out, nil
}

// decimalsValidator rejects answers whose decimals disagree with the token
// registry, so the item falls through to the next source.
func decimalsValidator(class model.AssetClass, source model.SourceID) func(string, model.AmountRaw) error {
	return func(id string, v model.AmountRaw) error {
		tok, ok := class.TokenByAssetType(id)
		if !ok {
			return upstream.Errorf(upstream.KindNoData, source.String(), "asset type %s is not registered", id)
		}
		if v.Decimals != tok.Decimals {
			return upstream.Errorf(upstream.KindMalformedResponse, source.String(),
				"decimals mismatch for %s: registry %d, source %d", id, tok.Decimals, v.Decimals)
		}
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return "unresolved"
	}
	return err.Error()
}
