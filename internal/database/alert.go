package database

import (
	"fmt"
	"time"
)

// AlertSeverity represents normalized alert severity
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityLow      AlertSeverity = "low"
)

// Valid reports whether s is one of the four known severities.
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityCritical, AlertSeverityHigh, AlertSeverityMedium, AlertSeverityLow:
		return true
	}
	return false
}

// AlertStatus represents the alert lifecycle state
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

// IsTerminal reports whether no further transition is possible.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusSuppressed
}

// Alert is a monitoring condition requiring human attention.
// Alerts are never deleted; resolved rows are kept for audit.
type Alert struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UUID        string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Title       string `gorm:"size:255" json:"title"`
	Description string `gorm:"type:text" json:"description"`

	AlertType  string `gorm:"size:100;not null;index:idx_alerts_key" json:"alert_type"`
	SourceType string `gorm:"size:100;not null;index:idx_alerts_key" json:"source_type"`
	SourceID   string `gorm:"size:255;not null;index:idx_alerts_key" json:"source_id"`

	Severity AlertSeverity `gorm:"type:varchar(20);not null;index" json:"severity"`
	Status   AlertStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	Priority AlertSeverity `gorm:"type:varchar(20);not null" json:"priority"`

	// Schedule snapshot taken from the matched rule when the alert was created.
	RuleID          uint       `gorm:"index" json:"rule_id"`
	EscalationTimes IntList    `gorm:"type:jsonb" json:"escalation_times"`
	Channels        ChannelMap `gorm:"type:jsonb" json:"channels"`

	Metadata JSONB      `gorm:"type:jsonb" json:"metadata"`
	Tags     StringList `gorm:"type:jsonb" json:"tags"`

	EscalationLevel   int `gorm:"not null;default:0" json:"escalation_level"`
	NotificationCount int `gorm:"not null;default:0" json:"notification_count"`
	Version           int `gorm:"not null;default:1" json:"version"`

	// ActiveKey holds the coalescing key while the alert is active and is NULL otherwise,
	// so the unique index allows at most one active alert per key.
	ActiveKey *string `gorm:"uniqueIndex;size:512" json:"-"`

	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string     `gorm:"size:255" json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `gorm:"size:255" json:"resolved_by,omitempty"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes,omitempty"`
	SuppressedAt    *time.Time `json:"suppressed_at,omitempty"`
	SuppressedBy    string     `gorm:"size:255" json:"suppressed_by,omitempty"`

	LastEscalatedAt       *time.Time `json:"last_escalated_at,omitempty"`
	EscalationExhaustedAt *time.Time `json:"escalation_exhausted_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// CoalescingKey builds the key under which repeated events collapse into one active alert.
func CoalescingKey(sourceType, sourceID, alertType string) string {
	return fmt.Sprintf("%s|%s|%s", sourceType, sourceID, alertType)
}

// AgeMinutes returns whole minutes elapsed since creation.
func (a *Alert) AgeMinutes(now time.Time) int {
	if now.Before(a.CreatedAt) {
		return 0
	}
	return int(now.Sub(a.CreatedAt) / time.Minute)
}

// NextThreshold returns the age in minutes at which the next round fires,
// and false once the schedule is exhausted.
func (a *Alert) NextThreshold() (int, bool) {
	if a.EscalationLevel < 0 || a.EscalationLevel >= len(a.EscalationTimes) {
		return 0, false
	}
	return a.EscalationTimes[a.EscalationLevel], true
}

// GetSeverityEmoji returns an emoji for the alert severity
func GetSeverityEmoji(severity AlertSeverity) string {
	switch severity {
	case AlertSeverityCritical:
		return "🔴"
	case AlertSeverityHigh:
		return "🟠"
	case AlertSeverityMedium:
		return "🟡"
	case AlertSeverityLow:
		return "🔵"
	default:
		return "⚪"
	}
}
