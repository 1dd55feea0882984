package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Tracing  TracingConfig
	Cache    CacheConfig
	Echelon  EchelonConfig
	Indexer  IndexerConfig
	Fullnode FullnodeConfig
	Price    PriceConfig
	Upstream UpstreamConfig
	Retry    RetryConfig
	Supply   SupplyConfig
	Metadata MetadataConfig
	Breaker  BreakerConfig
	Alert    AlertConfig
	Assets   []model.AssetClass
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend        string
	Capacity       int
	Shards         int
	StaleRetention time.Duration
	RedisURL       string
}

type EchelonConfig struct {
	URL     string
	Timeout time.Duration
}

type IndexerConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type FullnodeConfig struct {
	URL     string
	Timeout time.Duration
}

type PriceConfig struct {
	PanoraURL    string
	PanoraAPIKey string
	CoinGeckoURL string
	Timeout      time.Duration
	TTL          time.Duration
	// FallbackUSD maps a price symbol to the USD price used when every
	// provider failed. Symbols without an entry have no fallback.
	FallbackUSD map[string]decimal.Decimal
}

type UpstreamConfig struct {
	RPS   float64
	Burst int
}

type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type SupplyConfig struct {
	ReportTTL time.Duration
	// IsolateForcedRefresh stores forced refreshes under their own key so
	// they never replace the shared entry.
	IsolateForcedRefresh bool
}

type MetadataConfig struct {
	BatchSize int
	// MaxBatchSize caps a batch size requested by a client.
	MaxBatchSize int
	MaxBatches   int
	BatchDelay   time.Duration
	TTL          time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Cache: CacheConfig{
			Backend:        strings.ToLower(getEnv("CACHE_BACKEND", "memory")),
			Capacity:       getEnvInt("CACHE_CAPACITY", 1000),
			Shards:         getEnvInt("CACHE_SHARDS", 16),
			StaleRetention: getEnvDuration("CACHE_STALE_RETENTION", time.Hour),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Echelon: EchelonConfig{
			URL:     getEnv("ECHELON_API_URL", "https://app.echelon.market/api/markets?network=aptos_mainnet"),
			Timeout: getEnvDuration("ECHELON_TIMEOUT", 10*time.Second),
		},
		Indexer: IndexerConfig{
			URL:     getEnv("APTOS_INDEXER_URL", "https://api.mainnet.aptoslabs.com/v1/graphql"),
			APIKey:  getEnv("APTOS_INDEXER_API_KEY", ""),
			Timeout: getEnvDuration("APTOS_INDEXER_TIMEOUT", 10*time.Second),
		},
		Fullnode: FullnodeConfig{
			URL:     getEnv("APTOS_FULLNODE_URL", "https://fullnode.mainnet.aptoslabs.com/v1"),
			Timeout: getEnvDuration("APTOS_FULLNODE_TIMEOUT", 5*time.Second),
		},
		Price: PriceConfig{
			PanoraURL:    getEnv("PANORA_API_URL", "https://api.panora.exchange"),
			PanoraAPIKey: getEnv("PANORA_API_KEY", ""),
			CoinGeckoURL: getEnv("COINGECKO_API_URL", "https://api.coingecko.com/api/v3"),
			Timeout:      getEnvDuration("PRICE_TIMEOUT", 4*time.Second),
			TTL:          getEnvDuration("PRICE_TTL", 5*time.Minute),
		},
		Upstream: UpstreamConfig{
			RPS:   getEnvFloat("UPSTREAM_RPS", 5),
			Burst: getEnvInt("UPSTREAM_BURST", 10),
		},
		Retry: RetryConfig{
			BaseDelay: getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:  getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
		},
		Supply: SupplyConfig{
			ReportTTL:            getEnvDuration("SUPPLY_REPORT_TTL", 10*time.Minute),
			IsolateForcedRefresh: getEnvBool("SUPPLY_ISOLATE_FORCED_REFRESH", false),
		},
		Metadata: MetadataConfig{
			BatchSize:    getEnvInt("METADATA_BATCH_SIZE", 30),
			MaxBatchSize: getEnvInt("METADATA_MAX_BATCH_SIZE", 30),
			MaxBatches:   getEnvInt("METADATA_MAX_BATCHES", 20),
			BatchDelay:   getEnvDuration("METADATA_BATCH_DELAY", 100*time.Millisecond),
			TTL:          getEnvDuration("METADATA_TTL", 10*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        getEnvDuration("ALERT_COOLDOWN", 15*time.Minute),
		},
	}

	if v := getEnv("PRICE_FALLBACK_USD", ""); v != "" {
		prices, err := parseFallbackPrices(v)
		if err != nil {
			return nil, fmt.Errorf("PRICE_FALLBACK_USD: %w", err)
		}
		cfg.Price.FallbackUSD = prices
	}

	if path := getEnv("ASSETS_FILE", ""); path != "" {
		assets, err := LoadAssets(path)
		if err != nil {
			return nil, err
		}
		cfg.Assets = assets
	} else {
		cfg.Assets = DefaultAssets()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be positive")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_ENABLED=true")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.Echelon.URL == "" || c.Indexer.URL == "" || c.Fullnode.URL == "" {
		return fmt.Errorf("ECHELON_API_URL, APTOS_INDEXER_URL and APTOS_FULLNODE_URL are required")
	}
	for symbol, usd := range c.Price.FallbackUSD {
		if !usd.IsPositive() {
			return fmt.Errorf("PRICE_FALLBACK_USD: %s must be positive", symbol)
		}
	}
	if c.Upstream.RPS <= 0 {
		return fmt.Errorf("UPSTREAM_RPS must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	if c.Metadata.BatchSize <= 0 || c.Metadata.MaxBatches <= 0 {
		return fmt.Errorf("METADATA_BATCH_SIZE and METADATA_MAX_BATCHES must be positive")
	}
	if c.Metadata.BatchSize > c.Metadata.MaxBatchSize {
		return fmt.Errorf("METADATA_BATCH_SIZE must not exceed METADATA_MAX_BATCH_SIZE")
	}
	if err := validateAssets(c.Assets); err != nil {
		return fmt.Errorf("asset registry: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("750ms", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseFallbackPrices reads "symbol=usd" pairs separated by commas.
func parseFallbackPrices(v string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, usd, ok := strings.Cut(pair, "=")
		symbol = strings.TrimSpace(symbol)
		if !ok || symbol == "" {
			return nil, fmt.Errorf("want symbol=usd, got %q", pair)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(usd))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		out[symbol] = d
	}
	return out, nil
}
