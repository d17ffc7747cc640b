package database

import (
	"errors"
	"fmt"
	"time"
)

// AlertRule maps (source type, alert type) to an escalation schedule.
// A nil SourceType or AlertType is a wildcard.
type AlertRule struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Name        string  `gorm:"uniqueIndex;size:100;not null" json:"name"`
	Description string  `gorm:"type:text" json:"description"`
	SourceType  *string `gorm:"size:100;index" json:"source_type"`
	AlertType   *string `gorm:"size:100;index" json:"alert_type"`

	EscalationTimes IntList       `gorm:"type:jsonb" json:"escalation_times"`
	Channels        ChannelMap    `gorm:"type:jsonb" json:"channels"`
	BasePriority    AlertSeverity `gorm:"type:varchar(20);not null" json:"base_priority"`
	Active          bool          `gorm:"not null;index" json:"active"`

	// Conditions are metadata equality filters: every key must be present on the event
	// with the same value for the rule to match.
	Conditions JSONB `gorm:"type:jsonb" json:"conditions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AlertRule) TableName() string {
	return "alert_rules"
}

// Specificity ranks how narrowly the rule filters events:
// source+type 3, source only 2, type only 1, wildcard 0.
func (r *AlertRule) Specificity() int {
	score := 0
	if r.SourceType != nil {
		score += 2
	}
	if r.AlertType != nil {
		score++
	}
	return score
}

// Matches reports whether the rule's filters accept the given event identity.
func (r *AlertRule) Matches(sourceType, alertType string, metadata map[string]interface{}) bool {
	if r.SourceType != nil && *r.SourceType != sourceType {
		return false
	}
	if r.AlertType != nil && *r.AlertType != alertType {
		return false
	}
	for key, want := range r.Conditions {
		got, ok := metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Validate checks the rule's schedule and priority
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if len(r.EscalationTimes) == 0 {
		return errors.New("at least one escalation time is required")
	}
	if err := r.EscalationTimes.ValidateSchedule(); err != nil {
		return err
	}
	if !r.BasePriority.Valid() {
		return fmt.Errorf("unknown base priority %q", r.BasePriority)
	}
	for round := range r.EscalationTimes {
		if len(r.Channels.ForRound(round)) == 0 {
			return fmt.Errorf("no channels defined for escalation round %d", round)
		}
	}
	return nil
}
