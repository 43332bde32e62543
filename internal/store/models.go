package store

import (
	"encoding/json"
	"time"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

// SessionModel is the GORM model for sessions
type SessionModel struct {
	ID                 string     `gorm:"column:session_id;type:varchar(36);primaryKey"`
	TenantID           string     `gorm:"type:varchar(64);not null;index"`
	Status             string     `gorm:"type:varchar(16);not null"`
	StartedAt          time.Time  `gorm:"not null"`
	LastHeartbeat      time.Time  `gorm:"not null"`
	StoppedAt          *time.Time `gorm:"column:stopped_at"`
	WorkUnitsCompleted int        `gorm:"not null;default:0"`
	WorkUnitTarget     int        `gorm:"not null;default:0"`
	RestartCount       int        `gorm:"not null;default:0"`
	ConfigSnapshot     []byte     `gorm:"column:config_snapshot"`
	WorkerHandle       string     `gorm:"type:text"`
	FailureReason      string     `gorm:"type:text"`
	IsActive           bool       `gorm:"not null"`
}

// TableName returns the table name for the model
func (SessionModel) TableName() string {
	return "sessions"
}

// ToEntity converts the model to a domain session
func (m *SessionModel) ToEntity() *models.Session {
	s := &models.Session{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		Status:             models.SessionStatus(m.Status),
		StartedAt:          m.StartedAt,
		LastHeartbeat:      m.LastHeartbeat,
		StoppedAt:          m.StoppedAt,
		WorkUnitsCompleted: m.WorkUnitsCompleted,
		WorkUnitTarget:     m.WorkUnitTarget,
		RestartCount:       m.RestartCount,
		ConfigSnapshot:     m.ConfigSnapshot,
		FailureReason:      m.FailureReason,
		IsActive:           m.IsActive,
	}
	if m.WorkerHandle != "" {
		// A malformed handle only prevents reattaching; recovery relaunches instead
		_ = json.Unmarshal([]byte(m.WorkerHandle), &s.WorkerHandle)
	}
	return s
}

// SessionModelFromEntity creates a model from a domain session
func SessionModelFromEntity(s *models.Session) *SessionModel {
	return &SessionModel{
		ID:                 s.ID,
		TenantID:           s.TenantID,
		Status:             string(s.Status),
		StartedAt:          s.StartedAt,
		LastHeartbeat:      s.LastHeartbeat,
		StoppedAt:          s.StoppedAt,
		WorkUnitsCompleted: s.WorkUnitsCompleted,
		WorkUnitTarget:     s.WorkUnitTarget,
		RestartCount:       s.RestartCount,
		ConfigSnapshot:     s.ConfigSnapshot,
		WorkerHandle:       encodeHandle(s.WorkerHandle),
		FailureReason:      s.FailureReason,
		IsActive:           s.IsActive,
	}
}

func encodeHandle(h models.WorkerHandle) string {
	if h.IsZero() {
		return ""
	}
	b, _ := json.Marshal(h)
	return string(b)
}

// QuotaAccountModel is the GORM model for per-tenant daily allowances
type QuotaAccountModel struct {
	TenantID      string    `gorm:"type:varchar(64);primaryKey"`
	DailyUsage    int       `gorm:"not null;default:0"`
	DailyQuota    int       `gorm:"not null"`
	LastResetDate string    `gorm:"type:varchar(10);not null"`
	PlanTier      string    `gorm:"type:varchar(16);not null"`
	AutoRestart   bool      `gorm:"not null"`
	CappedOn      string    `gorm:"type:varchar(10);not null;default:''"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

// TableName returns the table name for the model
func (QuotaAccountModel) TableName() string {
	return "quota_accounts"
}

// ToEntity converts the model to a domain account
func (m *QuotaAccountModel) ToEntity() *models.QuotaAccount {
	return &models.QuotaAccount{
		TenantID:      m.TenantID,
		DailyUsage:    m.DailyUsage,
		DailyQuota:    m.DailyQuota,
		LastResetDate: m.LastResetDate,
		PlanTier:      models.PlanTier(m.PlanTier),
		AutoRestart:   m.AutoRestart,
		CappedOn:      m.CappedOn,
		UpdatedAt:     m.UpdatedAt,
	}
}

// QuotaAccountModelFromEntity creates a model from a domain account
func QuotaAccountModelFromEntity(a *models.QuotaAccount) *QuotaAccountModel {
	return &QuotaAccountModel{
		TenantID:      a.TenantID,
		DailyUsage:    a.DailyUsage,
		DailyQuota:    a.DailyQuota,
		LastResetDate: a.LastResetDate,
		PlanTier:      string(a.PlanTier),
		AutoRestart:   a.AutoRestart,
		CappedOn:      a.CappedOn,
		UpdatedAt:     a.UpdatedAt,
	}
}

// UsageLogModel is the GORM model for the append-only consumption log
type UsageLogModel struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	TenantID       string    `gorm:"type:varchar(64);not null;index"`
	ActionType     string    `gorm:"type:varchar(64);not null"`
	Amount         int       `gorm:"not null"`
	RemainingAfter int       `gorm:"not null"`
	Timestamp      time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsageLogModel) TableName() string {
	return "usage_logs"
}

// ToEntity converts the model to a domain log entry
func (m *UsageLogModel) ToEntity() *models.UsageLogEntry {
	return &models.UsageLogEntry{
		ID:             m.ID,
		TenantID:       m.TenantID,
		ActionType:     m.ActionType,
		Amount:         m.Amount,
		RemainingAfter: m.RemainingAfter,
		Timestamp:      m.Timestamp,
	}
}

// ActivityModel is the GORM model for restart, recovery and failure records
type ActivityModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	TenantID  string    `gorm:"type:varchar(64);not null;index"`
	SessionID string    `gorm:"type:varchar(36)"`
	Kind      string    `gorm:"type:varchar(32);not null"`
	Success   bool      `gorm:"not null"`
	Message   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (ActivityModel) TableName() string {
	return "activity_logs"
}

// ToEntity converts the model to a domain activity entry
func (m *ActivityModel) ToEntity() *models.ActivityEntry {
	return &models.ActivityEntry{
		ID:        m.ID,
		TenantID:  m.TenantID,
		SessionID: m.SessionID,
		Kind:      models.ActivityKind(m.Kind),
		Success:   m.Success,
		Message:   m.Message,
		Timestamp: m.Timestamp,
	}
}
