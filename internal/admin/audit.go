package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const maxAuditBodyBytes = 1024

// triggersUpstreamWork reports whether a request can bypass the cache and
// reach upstream sources: any POST, or a forced supply refresh.
func triggersUpstreamWork(r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	return r.Method == http.MethodGet && isForcedRefresh(r)
}

func isForcedRefresh(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return err == nil && v
}

// AuditMiddleware logs every request that can trigger upstream work, with a
// request id echoed in the X-Request-ID response header.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !triggersUpstreamWork(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		var bodySummary string
		if r.Body != nil && r.Method == http.MethodPost {
			head, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
			if err == nil {
				bodySummary = string(head)
				if len(head) > maxAuditBodyBytes {
					bodySummary = string(head[:maxAuditBodyBytes]) + "...(truncated)"
				}
				// Re-attach what was read in front of the unread remainder.
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
			}
		}

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		auditLogger.Info("admin API audit",
			"request_id", requestID,
			"client_ip", extractClientIP(r),
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"body_summary", bodySummary,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
