package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shehryarbajwa/applyx/internal/quota"
	"github.com/shehryarbajwa/applyx/internal/scheduler"
	"github.com/shehryarbajwa/applyx/internal/session"
	"github.com/shehryarbajwa/applyx/internal/store"
	"github.com/shehryarbajwa/applyx/pkg/models"
)

// errBadRequest marks malformed request bodies and parameters
var errBadRequest = errors.New("invalid request")

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusFor maps a domain error to its HTTP status and machine-readable reason
func statusFor(err error) (int, string) {
	var admission *session.AdmissionError
	if errors.As(err, &admission) {
		switch admission.Reason {
		case session.ReasonQuotaExceeded:
			return http.StatusTooManyRequests, string(admission.Reason)
		case session.ReasonSessionAlreadyActive:
			return http.StatusConflict, string(admission.Reason)
		case session.ReasonWorkerStartupFailure:
			return http.StatusBadGateway, string(admission.Reason)
		}
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, quota.ErrAccountNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidTenant),
		errors.Is(err, quota.ErrInvalidAmount),
		errors.Is(err, quota.ErrInvalidPlan),
		errors.Is(err, models.ErrCorruptConfig),
		errors.Is(err, models.ErrEmptyConfig),
		errors.Is(err, models.ErrUnsupportedConfigVersion):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, scheduler.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, session.ErrSupervisorClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
