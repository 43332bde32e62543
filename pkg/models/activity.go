package models

import "time"

// ActivityKind classifies lifecycle outcomes worth keeping per tenant
type ActivityKind string

const (
	ActivityAutoRestart   ActivityKind = "auto_restart"
	ActivityManualRestart ActivityKind = "manual_restart"
	ActivityRecovery      ActivityKind = "recovery"
	ActivityFailure       ActivityKind = "failure"
)

// ActivityEntry is an append-only record of a restart, recovery or failure
type ActivityEntry struct {
	ID        uint         `json:"id"`
	TenantID  string       `json:"tenantId"`
	SessionID string       `json:"sessionId,omitempty"`
	Kind      ActivityKind `json:"kind"`
	Success   bool         `json:"success"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
