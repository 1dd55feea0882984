package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Aggregation engine counters and histograms, partitioned by operation or source.

var (
	// Retrying fetcher
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total upstream attempts by outcome (success, retry, failed)",
	}, []string{"op", "outcome"})

	RetryAttemptLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aggregator",
		Subsystem: "retry",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single upstream attempt",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	// Fallback chain
	FallbackResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "fallback",
		Name:      "resolutions_total",
		Help:      "Total items resolved, labelled by the source that answered",
	}, []string{"chain", "source"})

	FallbackSourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "fallback",
		Name:      "source_failures_total",
		Help:      "Total source failures after retries, by error kind",
	}, []string{"chain", "source", "kind"})

	FallbackExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "fallback",
		Name:      "exhausted_total",
		Help:      "Total lookups where every source failed",
	}, []string{"chain"})

	// Cache-first orchestrator
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total cache-first lookups by result (hit, miss, stale, error)",
	}, []string{"namespace", "result"})

	CacheSharedFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "cache",
		Name:      "shared_fetches_total",
		Help:      "Total callers that joined an in-flight fetch instead of starting one",
	}, []string{"namespace"})

	CacheBackendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "cache",
		Name:      "backend_errors_total",
		Help:      "Total cache backend errors treated as misses",
	}, []string{"namespace", "op"})

	CacheFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aggregator",
		Subsystem: "cache",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of fetches performed on cache miss",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"namespace"})

	// Batched metadata fetcher
	BatchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "batch",
		Name:      "chunks_total",
		Help:      "Total batch chunks issued by outcome (ok, failed)",
	}, []string{"op", "outcome"})

	BatchCappedIdentifiersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "batch",
		Name:      "capped_identifiers_total",
		Help:      "Total identifiers left unresolved because the batch cap was reached",
	}, []string{"op"})

	// Supply reports
	SupplyReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "supply",
		Name:      "reports_total",
		Help:      "Total supply reports built by outcome (complete, partial, failed)",
	}, []string{"asset_class", "outcome"})

	SupplyTotalNormalized = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aggregator",
		Subsystem: "supply",
		Name:      "total_units",
		Help:      "Latest aggregated supply in token units (approximate, for dashboards)",
	}, []string{"asset_class"})

	SupplyTotalValueUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aggregator",
		Subsystem: "supply",
		Name:      "total_value_usd",
		Help:      "Latest aggregated supply value in USD",
	}, []string{"asset_class"})

	// Price oracle
	PriceFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "price",
		Name:      "fetches_total",
		Help:      "Total live price fetches by answering source",
	}, []string{"symbol", "source"})

	// Upstream HTTP
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total upstream HTTP requests by status class",
	}, []string{"upstream", "status"})

	UpstreamRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "upstream",
		Name:      "rate_limit_waits_total",
		Help:      "Total times upstream calls waited for the rate limiter",
	}, []string{"upstream"})

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aggregator",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"source"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
