package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/internal/config"
	"github.com/shehryarbajwa/applyx/internal/metrics"
	"github.com/shehryarbajwa/applyx/internal/quota"
	"github.com/shehryarbajwa/applyx/internal/scheduler"
	"github.com/shehryarbajwa/applyx/internal/session"
	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// RestartRunner triggers an out-of-schedule restart pass
type RestartRunner interface {
	RunNow(ctx context.Context) (scheduler.Report, error)
}

// Pinger reports whether durable storage is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handlers. Restarts may be nil when
// the scheduler is disabled.
type Deps struct {
	Supervisor *session.Supervisor
	Ledger     *quota.Ledger
	Activity   *store.ActivityRepository
	Restarts   RestartRunner
	Database   Pinger
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	RateLimit  config.RateLimitConfig
	Clock      quartz.Clock
	Logger     *zap.Logger
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	supervisor *session.Supervisor
	ledger     *quota.Ledger
	activity   *store.ActivityRepository
	restarts   RestartRunner
	db         Pinger
	gatherer   prometheus.Gatherer
	metrics    *metrics.Metrics
	rateLimit  config.RateLimitConfig
	clock      quartz.Clock
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		supervisor: deps.Supervisor,
		ledger:     deps.Ledger,
		activity:   deps.Activity,
		restarts:   deps.Restarts,
		db:         deps.Database,
		gatherer:   deps.Gatherer,
		metrics:    deps.Metrics,
		rateLimit:  deps.RateLimit,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("api"),
	}
}

type quotaDecisionResponse struct {
	Allowed bool               `json:"allowed"`
	Quota   models.QuotaStatus `json:"quota"`
}

type quotaUpdateRequest struct {
	PlanTier    string `json:"planTier"`
	AutoRestart *bool  `json:"autoRestart,omitempty"`
}

// GetQuota handles GET /v1/tenants/{tenant}/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	status, err := h.ledger.Status(r.Context(), tenant(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// UpdateQuota handles PUT /v1/tenants/{tenant}/quota. The account is
// created on first use.
func (h *Handler) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	var req quotaUpdateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	tier := models.PlanFree
	if req.PlanTier != "" {
		var ok bool
		if tier, ok = models.ParsePlanTier(req.PlanTier); !ok {
			h.writeError(w, r, fmt.Errorf("%w: %q", quota.ErrInvalidPlan, req.PlanTier))
			return
		}
	}

	ctx := r.Context()
	tenantID := tenant(r)
	account, err := h.ledger.EnsureAccount(ctx, tenantID, tier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PlanTier != "" && account.PlanTier != tier {
		if err := h.ledger.SetPlan(ctx, tenantID, string(tier)); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.AutoRestart != nil {
		if err := h.ledger.SetAutoRestart(ctx, tenantID, *req.AutoRestart); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.GetQuota(w, r)
}

// CheckQuota handles POST /v1/tenants/{tenant}/quota/check
func (h *Handler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	req, err := consumeRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ok, err := h.ledger.CanConsume(r.Context(), tenant(r), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDecision(w, r, ok)
}

// ConsumeQuota handles POST /v1/tenants/{tenant}/quota/consume
func (h *Handler) ConsumeQuota(w http.ResponseWriter, r *http.Request) {
	req, err := consumeRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ok, err := h.ledger.Consume(r.Context(), tenant(r), req.Amount, req.ActionType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDecision(w, r, ok)
}

func (h *Handler) writeDecision(w http.ResponseWriter, r *http.Request, ok bool) {
	status, err := h.ledger.Status(r.Context(), tenant(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaDecisionResponse{Allowed: ok, Quota: status})
}

// ListUsage handles GET /v1/tenants/{tenant}/quota/usage
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.ledger.UsageLog(r.Context(), tenant(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// StartSession handles POST /v1/tenants/{tenant}/session
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.supervisor.Start(r.Context(), tenant(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /v1/tenants/{tenant}/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.supervisor.Get(r.Context(), tenant(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StopSession handles DELETE /v1/tenants/{tenant}/session
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.supervisor.Stop(ctx, tenant(r)); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.supervisor.Get(ctx, tenant(r))
	if errors.Is(err, session.ErrSessionNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// RestartSession handles POST /v1/tenants/{tenant}/session/restart
func (h *Handler) RestartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.supervisor.Restart(r.Context(), tenant(r), models.ActivityManualRestart)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := models.SessionFilter{
		TenantID: q.Get("tenantId"),
		Status:   models.SessionStatus(q.Get("status")),
		Limit:    limit,
	}
	if v := q.Get("active"); v != "" {
		if filter.ActiveOnly, err = strconv.ParseBool(v); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: active must be a boolean", errBadRequest))
			return
		}
	}

	sessions, err := h.supervisor.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListActivity handles GET /v1/tenants/{tenant}/activity
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.activity.List(r.Context(), tenant(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RunRestarts handles POST /v1/admin/restarts/run
func (h *Handler) RunRestarts(w http.ResponseWriter, r *http.Request) {
	if h.restarts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:  "restart scheduler is disabled",
			Reason: "scheduler_disabled",
		})
		return
	}

	report, err := h.restarts.RunNow(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now("api", "health").Format(time.RFC3339)

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"time":     now,
				"database": "error",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"time":           now,
		"database":       "ok",
		"activeSessions": h.supervisor.ActiveCount(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

func tenant(r *http.Request) string {
	return mux.Vars(r)["tenant"]
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func consumeRequest(r *http.Request) (models.ConsumeRequest, error) {
	req := models.ConsumeRequest{Amount: 1}
	if err := decode(r, &req); err != nil {
		return req, err
	}
	if req.ActionType == "" {
		req.ActionType = "api"
	}
	return req, nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}
