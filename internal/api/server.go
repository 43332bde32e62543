package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/applyx/internal/proxy"
	"github.com/shehryarbajwa/applyx/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. A nil limiter disables throttling.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Operational endpoints (not rate limited)
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Debug proxy (not rate limited - long lived)
	api.HandleFunc("/tenants/{tenant}/session/debug", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, tenant(r))
	}).Methods("GET")

	rateLimitedAPI := api.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, h.rateLimit, h.clock, h.metrics))
	}

	// Admission endpoints
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/quota", h.GetQuota).Methods("GET")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/quota", h.UpdateQuota).Methods("PUT")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/quota/check", h.CheckQuota).Methods("POST")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/quota/consume", h.ConsumeQuota).Methods("POST")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/quota/usage", h.ListUsage).Methods("GET")

	// Lifecycle endpoints
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/session", h.StartSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/session", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/session", h.StopSession).Methods("DELETE")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/session/restart", h.RestartSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/tenants/{tenant}/activity", h.ListActivity).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")

	// Operator endpoints
	rateLimitedAPI.HandleFunc("/admin/restarts/run", h.RunRestarts).Methods("POST")

	r.Use(corsMiddleware)
	r.Use(requestLogger(h.logger))

	return r
}
