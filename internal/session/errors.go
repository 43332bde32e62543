package session

import (
	"errors"
	"fmt"
)

// AdmissionReason explains why a start was refused
type AdmissionReason string

const (
	ReasonQuotaExceeded        AdmissionReason = "quota_exceeded"
	ReasonSessionAlreadyActive AdmissionReason = "session_already_active"
	ReasonWorkerStartupFailure AdmissionReason = "worker_startup_failure"
)

var (
	// ErrQuotaExceeded matches admission errors refused by the tenant's daily allowance
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrSessionAlreadyActive matches admission errors for tenants that already run a worker
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrWorkerStartupFailure matches admission errors where the worker failed to start
	ErrWorkerStartupFailure = errors.New("worker startup failure")

	// ErrSessionNotFound is returned when a tenant has no session at all
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTenant is returned for an empty tenant id
	ErrInvalidTenant = errors.New("tenant id is required")

	// ErrSupervisorClosed is returned by Start after Shutdown
	ErrSupervisorClosed = errors.New("supervisor is shut down")
)

// AdmissionError is a refused start. It matches the sentinel for its Reason
// with errors.Is and unwraps to the underlying cause, if any.
type AdmissionError struct {
	Reason   AdmissionReason
	TenantID string
	Err      error
}

func (e *AdmissionError) Error() string {
	msg := fmt.Sprintf("start refused for tenant %s: %s", e.TenantID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel belonging to the error's reason
func (e *AdmissionError) Is(target error) bool {
	switch e.Reason {
	case ReasonQuotaExceeded:
		return target == ErrQuotaExceeded
	case ReasonSessionAlreadyActive:
		return target == ErrSessionAlreadyActive
	case ReasonWorkerStartupFailure:
		return target == ErrWorkerStartupFailure
	}
	return false
}

func refuse(tenantID string, reason AdmissionReason, cause error) error {
	return &AdmissionError{Reason: reason, TenantID: tenantID, Err: cause}
}

// RecoveryFailure describes one session that could not be resumed at startup
type RecoveryFailure struct {
	SessionID string
	TenantID  string
	Err       error
}

func (e *RecoveryFailure) Error() string {
	return fmt.Sprintf("recover session %s for tenant %s: %v", e.SessionID, e.TenantID, e.Err)
}

func (e *RecoveryFailure) Unwrap() error {
	return e.Err
}
