package httpapi

import (
	"compress/gzip"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emily-flambe/orca-sub001/internal/logging"
)

type contextKey string

const canonicalRouteContextKey contextKey = "canonicalRoute"

func annotateRequestRoute(r *http.Request, route string) {
	if r == nil || route == "" {
		return
	}
	ctx := context.WithValue(r.Context(), canonicalRouteContextKey, route)
	*r = *r.WithContext(ctx)
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(canonicalRouteContextKey).(string); ok {
		return route
	}
	return ""
}

// routeHandler wraps handler so every request carries its logical route
// name (not the raw path, which may contain ids) for logging.
func routeHandler(route string, handler http.Handler) http.Handler {
	if route == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateRequestRoute(r, route)
		handler.ServeHTTP(w, r)
	})
}

// isStreamRequest reports whether the request is one of the long-lived SSE
// endpoints, which must bypass compression, buffering, and the fixed
// request timeout.
func isStreamRequest(r *http.Request) bool {
	route := routeFromContext(r.Context())
	if route == "" {
		// Middlewares run before the mux's routeHandler annotates the route.
		route = r.URL.Path
	}
	return route == "/api/events" || strings.HasPrefix(route, "/api/invocations/") && strings.HasSuffix(route, "/logs")
}

// LoggingMiddleware logs one line per request with a correlation id,
// matching the corpus's request-scoped log-id idiom.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if logID == "" {
				logID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", logID)
			started := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("%s %s from %s [%s] %s", r.Method, r.URL.Path, clientIP(r), logID, time.Since(started))
		})
	}
}

// ObservabilityMiddleware passes every request through unchanged. The
// canonical route is annotated by routeHandler inside the mux, not here, so
// requests that match no route (e.g. 404s) carry no route annotation.
func ObservabilityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig tunes the fixed-window per-client rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
}

type rateLimitBucket struct {
	windowStart time.Time
	count       int
}

// RateLimitMiddleware applies a simple fixed-window limit per client IP.
// A non-positive RequestsPerMinute disables the limiter.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	var mu sync.Mutex
	buckets := make(map[string]*rateLimitBucket)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			now := time.Now()

			mu.Lock()
			b, ok := buckets[key]
			if !ok || now.Sub(b.windowStart) >= time.Minute {
				b = &rateLimitBucket{windowStart: now}
				buckets[key] = b
			}
			b.count++
			over := b.count > cfg.RequestsPerMinute
			mu.Unlock()

			if over {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestTimeoutMiddleware bounds non-streaming requests with
// http.TimeoutHandler, skipping SSE routes entirely.
func RequestTimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		timed := http.TimeoutHandler(next, timeout, `{"error":"request timed out"}`)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

// StreamGuardMiddleware disables response buffering for SSE routes so
// flushed chunks reach the client immediately; non-stream routes pass
// through untouched.
func StreamGuardMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamRequest(r) {
				w.Header().Set("X-Accel-Buffering", "no")
			}
			next.ServeHTTP(w, r)
		})
	}
}

type gzipResponseWriter struct {
	http.ResponseWriter
	writer      *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.writer.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if w.writer != nil {
		_ = w.writer.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept-Encoding")), "gzip")
}

// CompressionMiddleware gzip-encodes JSON responses, skipping streaming
// routes where buffering would defeat the keepalive contract.
func CompressionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamRequest(r) || !acceptsGzip(r) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Accept-Encoding")
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
		})
	}
}

// CORSMiddleware allows cross-origin calls from the configured origin set.
// An empty allow-list permits any origin (the local dashboard case).
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAny || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware applies the fixed set of headers every response
// carries regardless of route.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", "default-src 'self'")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
