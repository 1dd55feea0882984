package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLimitedHandler(t *testing.T) (*RateLimitMiddleware, http.Handler) {
	t.Helper()
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimitMiddleware_AllowsCachedReads(t *testing.T) {
	_, handler := newLimitedHandler(t)

	for i := range 10 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_ThrottlesForcedRefresh(t *testing.T) {
	_, handler := newLimitedHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc?refresh=true", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("first refresh: expected 200, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc?refresh=true", nil))
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second refresh: expected 429, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}

	// A plain read is governed by a different limiter.
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc", nil))
	if rec3.Code != http.StatusOK {
		t.Errorf("cached read: expected 200, got %d", rec3.Code)
	}
}

func TestRateLimitMiddleware_PerClientIP(t *testing.T) {
	_, handler := newLimitedHandler(t)

	first := httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc?refresh=1", nil)
	first.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), first)

	other := httptest.NewRequest(http.MethodGet, "/admin/v1/supply/btc?refresh=1", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other client: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_EvictsIdleLimiters(t *testing.T) {
	rl, handler := newLimitedHandler(t)
	now := time.Now()
	rl.nowFunc = func() time.Time { return now }

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	if rl.LimiterCount() != 1 {
		t.Fatalf("expected 1 limiter, got %d", rl.LimiterCount())
	}

	now = now.Add(staleLimiterTTL + time.Second)
	rl.evictStale()
	if rl.LimiterCount() != 0 {
		t.Errorf("expected idle limiter to be evicted, got %d", rl.LimiterCount())
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1234", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 4.4.4.4 "}, "9.9.9.9:1234", "4.4.4.4"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"remote without port", nil, "9.9.9.9", "9.9.9.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
