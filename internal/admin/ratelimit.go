package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

// limitRule throttles the requests it matches, per client IP. Rules are
// checked in order; the first match wins.
type limitRule struct {
	name  string
	match func(r *http.Request) bool
	rps   rate.Limit
	burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits cache-bypassing requests much harder than
// cached reads so callers cannot hammer the upstream sources through the
// admin API.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "rule|clientIP"
	rules    []limitRule
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

func defaultRules() []limitRule {
	return []limitRule{
		{
			name: "supply_refresh",
			match: func(r *http.Request) bool {
				return strings.HasPrefix(r.URL.Path, "/admin/v1/supply/") && isForcedRefresh(r)
			},
			rps:   rate.Limit(1.0 / 30), // 2 req/min
			burst: 1,
		},
		{
			name: "token_metadata",
			match: func(r *http.Request) bool {
				return r.Method == http.MethodPost && r.URL.Path == "/admin/v1/tokens/metadata"
			},
			rps:   rate.Limit(30.0 / 60), // 30 req/min
			burst: 5,
		},
		{
			name:  "default",
			match: func(*http.Request) bool { return true },
			rps:   5,
			burst: 20,
		},
	}
}

// NewRateLimitMiddleware starts a background sweep of idle limiters; call
// Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		rules:    defaultRules(),
		logger:   logger.With("component", "admin_ratelimit"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop is safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := rl.ruleFor(r)
		clientIP := extractClientIP(r)

		if !rl.limiterFor(rule, clientIP).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin API rate limit exceeded",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) ruleFor(r *http.Request) limitRule {
	for _, rule := range rl.rules {
		if rule.match(r) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiterFor(rule limitRule, clientIP string) *rate.Limiter {
	key := rule.name + "|" + clientIP
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	l := rate.NewLimiter(rule.rps, rule.burst)
	rl.limiters[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection's remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
