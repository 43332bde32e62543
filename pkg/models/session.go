package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a tenant's worker session
type SessionStatus string

const (
	StatusCreated  SessionStatus = "CREATED"
	StatusRunning  SessionStatus = "RUNNING"
	StatusStopped  SessionStatus = "STOPPED"
	StatusFailed   SessionStatus = "FAILED"
	StatusRestored SessionStatus = "RESTORED"
)

// Terminal reports whether no further transitions are possible from s
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// WorkerHandle identifies a running worker. It is produced by the worker
// capability and persisted so a later process can reattach to it.
type WorkerHandle struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId,omitempty"`
	ConnectURL  string `json:"connectUrl,omitempty"`
}

// IsZero reports whether h was never assigned
func (h WorkerHandle) IsZero() bool {
	return h == WorkerHandle{}
}

// Session represents one tenant's running (or last known) automation instance
type Session struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenantId"`
	Status             SessionStatus `json:"status"`
	StartedAt          time.Time     `json:"startedAt"`
	LastHeartbeat      time.Time     `json:"lastHeartbeat"`
	StoppedAt          *time.Time    `json:"stoppedAt,omitempty"`
	WorkUnitsCompleted int           `json:"workUnitsCompleted"`
	WorkUnitTarget     int           `json:"workUnitTarget"`
	RestartCount       int           `json:"restartCount"`
	FailureReason      string        `json:"failureReason,omitempty"`
	IsActive           bool          `json:"isActive"`
	ConfigSnapshot     []byte        `json:"-"`
	WorkerHandle       WorkerHandle  `json:"-"`
}

// Clone returns a deep copy so callers never share mutable state with the registry
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	if s.ConfigSnapshot != nil {
		c.ConfigSnapshot = append([]byte(nil), s.ConfigSnapshot...)
	}
	return &c
}

// SessionFilter narrows session listings
type SessionFilter struct {
	TenantID   string
	Status     SessionStatus
	ActiveOnly bool
	Limit      int
}

// StartSessionRequest is the payload for starting a tenant's worker
type StartSessionRequest struct {
	Kind           string          `json:"kind,omitempty"`
	WorkUnitTarget int             `json:"workUnitTarget,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
}
