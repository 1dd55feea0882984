package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/admin"
	"github.com/emperorhan/supply-aggregator/internal/alert"
	"github.com/emperorhan/supply-aggregator/internal/batch"
	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/cachefirst"
	"github.com/emperorhan/supply-aggregator/internal/circuitbreaker"
	"github.com/emperorhan/supply-aggregator/internal/config"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/price"
	"github.com/emperorhan/supply-aggregator/internal/retry"
	"github.com/emperorhan/supply-aggregator/internal/supply"
	"github.com/emperorhan/supply-aggregator/internal/tokens"
	"github.com/emperorhan/supply-aggregator/internal/tracing"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/emperorhan/supply-aggregator/internal/upstream/echelon"
	"github.com/emperorhan/supply-aggregator/internal/upstream/fullnode"
	"github.com/emperorhan/supply-aggregator/internal/upstream/indexer"
	"github.com/emperorhan/supply-aggregator/internal/upstream/oracle"
	"github.com/emperorhan/supply-aggregator/internal/upstream/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName         = "supply-aggregator"
	redisKeyPrefix      = "aggregator:"
	fullnodeConcurrency = 4
	warmupTimeout       = time.Minute
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// cacheBackend is the store plus what the admin API can report about it.
type cacheBackend struct {
	name  string
	store cache.Store
	stats admin.CacheStatsProvider
	close func() error
}

func openCache(ctx context.Context, cfg config.CacheConfig) (*cacheBackend, error) {
	switch cfg.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, err
		}
		return &cacheBackend{name: cfg.Backend, store: rs, close: rs.Close}, nil
	case "memory", "":
		ms := cache.NewMemoryStore(cfg.Capacity, cfg.Shards)
		return &cacheBackend{name: "memory", store: ms, stats: ms, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// sourcePolicies derives one retry policy per supply source. Each attempt
// is bounded by that upstream's configured timeout.
func sourcePolicies(cfg *config.Config) map[model.SourceID]retry.Policy {
	policy := func(timeout time.Duration) retry.Policy {
		return retry.Policy{
			Timeout:   timeout,
			Retries:   -1,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		}
	}
	return map[model.SourceID]retry.Policy{
		model.SourceMarket:   policy(cfg.Echelon.Timeout),
		model.SourceIndexer:  policy(cfg.Indexer.Timeout),
		model.SourceFullnode: policy(cfg.Fullnode.Timeout),
	}
}

func newHTTPClient(name string, cfg config.UpstreamConfig, logger *slog.Logger, opts ...upstream.ClientOption) *upstream.Client {
	opts = append([]upstream.ClientOption{
		upstream.WithLimiter(ratelimit.NewLimiter(cfg.RPS, cfg.Burst, name)),
	}, opts...)
	return upstream.NewClient(name, logger, opts...)
}

// priceProviders lists providers in priority order. Panora is only used
// when an API key is configured.
func priceProviders(cfg *config.Config, logger *slog.Logger) []price.Provider {
	var providers []price.Provider
	if cfg.Price.PanoraAPIKey != "" {
		hc := newHTTPClient(oracle.PanoraName, cfg.Upstream, logger, upstream.WithHeader("x-api-key", cfg.Price.PanoraAPIKey))
		providers = append(providers, oracle.NewPanora(cfg.Price.PanoraURL, hc))
	}
	hc := newHTTPClient(oracle.CoinGeckoName, cfg.Upstream, logger)
	providers = append(providers, oracle.NewCoinGecko(cfg.Price.CoinGeckoURL, hc))
	return providers
}

func newAlerter(cfg config.AlertConfig, logger *slog.Logger) *alert.MultiAlerter {
	channels := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

type services struct {
	supply   *supply.Service
	tokens   *tokens.Service
	breakers *circuitbreaker.Registry
}

func buildServices(cfg *config.Config, orchestrator *cachefirst.Orchestrator, logger *slog.Logger) *services {
	retrier := retry.New(logger)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", "source", name, "from", from, "to", to)
		},
	})

	market := echelon.NewClient(cfg.Echelon.URL, newHTTPClient(echelon.SourceName, cfg.Upstream, logger), logger)
	idx := indexer.NewClient(cfg.Indexer.URL,
		newHTTPClient(indexer.SourceName, cfg.Upstream, logger, upstream.WithBearerToken(cfg.Indexer.APIKey)))
	node := fullnode.NewClient(cfg.Fullnode.URL, newHTTPClient(fullnode.SourceName, cfg.Upstream, logger))

	oracleSvc := price.New(orchestrator, retrier, priceProviders(cfg, logger), breakers, price.Config{
		TTL: cfg.Price.TTL,
		Policy: retry.Policy{
			Timeout:   cfg.Price.Timeout,
			Retries:   -1,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		},
		Fallbacks: cfg.Price.FallbackUSD,
	}, logger)

	supplySvc := supply.New(cfg.Assets, supply.Deps{
		Market:   market,
		Indexer:  idx,
		Fullnode: node,
		Prices:   oracleSvc,
		Cache:    orchestrator,
		Retrier:  retrier,
		Breakers: breakers,
		Alerter:  newAlerter(cfg.Alert, logger),
	}, supply.Config{
		ReportTTL:            cfg.Supply.ReportTTL,
		IsolateForcedRefresh: cfg.Supply.IsolateForcedRefresh,
		Policies:             sourcePolicies(cfg),
		FullnodeConcurrency:  fullnodeConcurrency,
	}, logger)

	tokenSvc := tokens.New(idx, orchestrator, retrier, batch.New(logger), tokens.Config{
		TTL:          cfg.Metadata.TTL,
		Policy:       sourcePolicies(cfg)[model.SourceIndexer],
		MaxBatchSize: cfg.Metadata.MaxBatchSize,
		Defaults: tokens.Options{
			BatchSize:  cfg.Metadata.BatchSize,
			MaxBatches: cfg.Metadata.MaxBatches,
			Delay:      cfg.Metadata.BatchDelay,
		},
	}, logger)

	return &services{supply: supplySvc, tokens: tokenSvc, breakers: breakers}
}

// warmUp builds one report per class so the first caller hits the cache.
// Failures are logged only.
func warmUp(ctx context.Context, svc *supply.Service, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()
	for _, class := range svc.AssetClasses() {
		report, err := svc.GetSupplyReport(ctx, class.Name, false)
		if err != nil {
			logger.Warn("warm-up report failed", "asset_class", class.Name, "error", err)
			continue
		}
		logger.Info("warm-up report ready",
			"asset_class", class.Name,
			"total", report.TotalDisplay,
			"partial_failures", len(report.PartialFailures),
		)
	}
}

func runServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting supply-aggregator",
		"port", cfg.Server.Port,
		"cache_backend", cfg.Cache.Backend,
		"echelon_url", cfg.Echelon.URL,
		"indexer_url", cfg.Indexer.URL,
		"fullnode_url", cfg.Fullnode.URL,
		"panora_enabled", cfg.Price.PanoraAPIKey != "",
		"asset_classes", len(cfg.Assets),
	)

	tracingCfg := tracing.Config{
		ServiceName: serviceName,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), tracingCfg)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	backend, err := openCache(context.Background(), cfg.Cache)
	if err != nil {
		logger.Error("failed to open cache backend", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.close()
	logger.Info("cache backend ready", "backend", backend.name)

	orchestrator := cachefirst.New(backend.store, logger, cachefirst.WithStaleRetention(cfg.Cache.StaleRetention))
	svcs := buildServices(cfg, orchestrator, logger)

	adminSrv := admin.NewServer(svcs.supply, logger,
		admin.WithMetadataResolver(svcs.tokens),
		admin.WithCacheStats(backend.name, backend.stats),
		admin.WithBreakerStates(svcs.breakers),
	)
	limiter := admin.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	handler := admin.AuditMiddleware(logger, limiter.Wrap(adminSrv.Handler()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gCtx, cfg.Server.Port, handler, logger)
	})

	g.Go(func() error {
		warmUp(gCtx, svcs.supply, logger)
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("aggregator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("aggregator shut down gracefully")
}
