package api

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/internal/ratelimit"
)

// RateLimitMiddleware creates a middleware that enforces per-IP and, on
// tenant routes, per-tenant request limits. X-Forwarded-For is only read
// from peers listed in cfg.TrustedProxies.
func RateLimitMiddleware(limiter *ratelimit.Limiter, cfg config.RateLimitConfig, clock quartz.Clock, m *metrics.Metrics) func(http.Handler) http.Handler {
	trusted, err := cfg.TrustedPrefixes()
	if err != nil {
		trusted = nil // rejected by config.Load
	}
	l := &limitWriter{limiter: limiter, clock: clock}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			ipKey := ratelimit.IPKey(clientIP(r, trusted))
			if !limiter.Allowed(ctx, ipKey, cfg.IPRequests, cfg.Window) {
				m.RateLimited("ip")
				l.refuse(w, r, ipKey, cfg.IPRequests, cfg.Window)
				return
			}

			key, limit := ipKey, cfg.IPRequests
			if tenantID := mux.Vars(r)["tenant"]; tenantID != "" {
				key, limit = ratelimit.TenantKey(tenantID), cfg.TenantRequests
				if !limiter.Allowed(ctx, key, limit, cfg.Window) {
					m.RateLimited("tenant")
					l.refuse(w, r, key, limit, cfg.Window)
					return
				}
			}

			l.setHeaders(w, r, key, limit, cfg.Window)
			next.ServeHTTP(w, r)
		})
	}
}

// limitWriter renders limiter state as response headers
type limitWriter struct {
	limiter *ratelimit.Limiter
	clock   quartz.Clock
}

func (l *limitWriter) setHeaders(w http.ResponseWriter, r *http.Request, key string, limit int, window time.Duration) time.Time {
	reset := l.limiter.ResetTime(r.Context(), key, window)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(l.limiter.Remaining(r.Context(), key, limit, window)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	return reset
}

func (l *limitWriter) refuse(w http.ResponseWriter, r *http.Request, key string, limit int, window time.Duration) {
	reset := l.setHeaders(w, r, key, limit, window)
	wait := reset.Sub(l.clock.Now("api", "ratelimit"))
	w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))

	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:  "rate limit exceeded, retry later",
		Reason: "rate_limited",
	})
}

// clientIP returns the socket peer unless it is a trusted proxy. Behind
// trusted proxies it walks X-Forwarded-For from the nearest hop and returns
// the first address that is not itself trusted.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at debug level
func requestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying connection
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
