package models

import (
	"strings"
	"time"
)

// PlanTier is the subscription level a tenant's daily allowance derives from
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanBasic     PlanTier = "basic"
	PlanPro       PlanTier = "pro"
	PlanUnlimited PlanTier = "unlimited"
)

// ParsePlanTier normalizes a tier name. Unknown names report false.
func ParsePlanTier(s string) (PlanTier, bool) {
	switch tier := PlanTier(strings.ToLower(strings.TrimSpace(s))); tier {
	case PlanFree, PlanBasic, PlanPro, PlanUnlimited:
		return tier, true
	default:
		return PlanFree, false
	}
}

// QuotaAccount tracks a tenant's daily usage against its allowance
type QuotaAccount struct {
	TenantID      string    `json:"tenantId"`
	DailyUsage    int       `json:"dailyUsage"`
	DailyQuota    int       `json:"dailyQuota"`
	LastResetDate string    `json:"lastResetDate"`
	PlanTier      PlanTier  `json:"planTier"`
	AutoRestart   bool      `json:"autoRestart"`
	// CappedOn is the last day that ended with the allowance used up, kept
	// until a restart acknowledges it
	CappedOn  string    `json:"cappedOn,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Remaining is the allowance left for the current day
func (a *QuotaAccount) Remaining() int {
	if r := a.DailyQuota - a.DailyUsage; r > 0 {
		return r
	}
	return 0
}

// QuotaStatus is the read model returned to admission callers
type QuotaStatus struct {
	TenantID      string   `json:"tenantId"`
	DailyUsage    int      `json:"dailyUsage"`
	DailyQuota    int      `json:"dailyQuota"`
	Remaining     int      `json:"remaining"`
	PlanTier      PlanTier `json:"planTier"`
	LastResetDate string   `json:"lastResetDate"`
	AutoRestart   bool     `json:"autoRestart"`
}

// UsageLogEntry is an append-only record of one quota consumption
type UsageLogEntry struct {
	ID             uint      `json:"id"`
	TenantID       string    `json:"tenantId"`
	ActionType     string    `json:"actionType"`
	Amount         int       `json:"amount"`
	RemainingAfter int       `json:"remainingAfter"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConsumeRequest is the payload for the admission API
type ConsumeRequest struct {
	Amount     int    `json:"amount"`
	ActionType string `json:"actionType"`
}
