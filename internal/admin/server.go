package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/supply"
	"github.com/emperorhan/supply-aggregator/internal/tokens"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB

	// maxMetadataIdentifiers bounds one metadata request; the batch fetcher
	// caps the upstream work further.
	maxMetadataIdentifiers = 1000
)

// SupplyReporter builds supply reports. Satisfied by *supply.Service.
type SupplyReporter interface {
	GetSupplyReport(ctx context.Context, assetClass string, forceRefresh bool) (*model.AggregateReport, error)
	AssetClasses() []model.AssetClass
}

// MetadataResolver resolves token metadata. Satisfied by *tokens.Service.
type MetadataResolver interface {
	GetBatchedMetadata(ctx context.Context, ids []string, opts tokens.Options) (map[string]model.MetadataResult, error)
}

// CacheStatsProvider reports in-process cache counters.
type CacheStatsProvider interface {
	Stats() cache.Stats
}

// BreakerStateProvider reports circuit breaker states keyed by source.
type BreakerStateProvider interface {
	States() map[string]string
}

// Server exposes supply reports, token metadata and operational state over
// HTTP.
type Server struct {
	supply       SupplyReporter
	metadata     MetadataResolver
	cacheBackend string
	cacheStats   CacheStatsProvider
	breakers     BreakerStateProvider
	logger       *slog.Logger
}

type ServerOption func(*Server)

func WithMetadataResolver(m MetadataResolver) ServerOption {
	return func(s *Server) { s.metadata = m }
}

// WithCacheStats names the cache backend; stats may be nil for backends
// without in-process counters.
func WithCacheStats(backend string, stats CacheStatsProvider) ServerOption {
	return func(s *Server) {
		s.cacheBackend = backend
		s.cacheStats = stats
	}
}

func WithBreakerStates(b BreakerStateProvider) ServerOption {
	return func(s *Server) { s.breakers = b }
}

func NewServer(supply SupplyReporter, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		supply: supply,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/supply", s.handleListAssetClasses)
	mux.HandleFunc("GET /admin/v1/supply/{class}", s.handleSupplyReport)
	mux.HandleFunc("POST /admin/v1/tokens/metadata", s.handleTokenMetadata)
	mux.HandleFunc("GET /admin/v1/cache/stats", s.handleCacheStats)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps an aggregation error to the HTTP status a caller sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supply.ErrUnknownAssetClass):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case upstream.IsKind(err, upstream.KindAllSourcesExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

type healthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers"`
}

// handleHealth reports degraded while any source breaker is not closed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Breakers: map[string]string{}}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
	}
	for _, state := range resp.Breakers {
		if state != "closed" {
			resp.Status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type assetClassResponse struct {
	Name               string   `json:"name"`
	Chain              string   `json:"chain"`
	Network            string   `json:"network"`
	PriceSymbol        string   `json:"price_symbol"`
	ReferencePrecision uint8    `json:"reference_precision"`
	Sources            []string `json:"sources"`
	Tokens             int      `json:"tokens"`
}

func (s *Server) handleListAssetClasses(w http.ResponseWriter, _ *http.Request) {
	classes := s.supply.AssetClasses()
	resp := make([]assetClassResponse, len(classes))
	for i, c := range classes {
		sources := make([]string, len(c.Sources))
		for j, src := range c.Sources {
			sources[j] = src.String()
		}
		resp[i] = assetClassResponse{
			Name:               c.Name,
			Chain:              c.Chain.String(),
			Network:            c.Network.String(),
			PriceSymbol:        c.PriceSymbol,
			ReferencePrecision: c.ReferencePrecision,
			Sources:            sources,
			Tokens:             len(c.Tokens),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSupplyReport(w http.ResponseWriter, r *http.Request) {
	class := r.PathValue("class")
	refresh := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		refresh = v
	}

	report, err := s.supply.GetSupplyReport(r.Context(), class, refresh)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "unknown asset class")
			return
		}
		s.logger.Error("supply report failed", "asset_class", class, "refresh", refresh, "error", err)
		writeError(w, status, "supply report unavailable")
		return
	}

	if report.IsStale() {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, report)
}

type tokenMetadataRequest struct {
	Identifiers  []string `json:"identifiers"`
	ForceRefresh bool     `json:"force_refresh"`
	BatchSize    int      `json:"batch_size"`
}

type tokenMetadataResponse struct {
	Results map[string]model.MetadataResult `json:"results"`
}

func (s *Server) handleTokenMetadata(w http.ResponseWriter, r *http.Request) {
	if s.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, "token metadata not available")
		return
	}

	var req tokenMetadataRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Identifiers) == 0 {
		writeError(w, http.StatusBadRequest, "identifiers are required")
		return
	}
	if len(req.Identifiers) > maxMetadataIdentifiers {
		writeError(w, http.StatusBadRequest, "too many identifiers")
		return
	}
	if req.BatchSize < 0 {
		writeError(w, http.StatusBadRequest, "batch_size must be >= 0")
		return
	}

	results, err := s.metadata.GetBatchedMetadata(r.Context(), req.Identifiers, tokens.Options{
		BatchSize:    req.BatchSize,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		s.logger.Error("token metadata failed", "identifiers", len(req.Identifiers), "error", err)
		writeError(w, statusFor(err), "token metadata unavailable")
		return
	}
	writeJSON(w, http.StatusOK, tokenMetadataResponse{Results: results})
}

type cacheStatsResponse struct {
	Backend string       `json:"backend"`
	Stats   *cache.Stats `json:"stats,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	resp := cacheStatsResponse{Backend: s.cacheBackend}
	if s.cacheStats != nil {
		st := s.cacheStats.Stats()
		resp.Stats = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
