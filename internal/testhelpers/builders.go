package testhelpers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
)

// ========================================
// Alert Rule Builder
// ========================================

// RuleBuilder helps construct AlertRule objects for testing
type RuleBuilder struct {
	rule database.AlertRule
}

// NewRuleBuilder creates a wildcard rule with one immediate email round
func NewRuleBuilder(name string) *RuleBuilder {
	return &RuleBuilder{
		rule: database.AlertRule{
			Name:            name,
			EscalationTimes: database.IntList{0},
			Channels:        database.ChannelMap{0: {"email"}},
			BasePriority:    database.AlertSeverityMedium,
			Active:          true,
		},
	}
}

// ForSource restricts the rule to a source type
func (b *RuleBuilder) ForSource(sourceType string) *RuleBuilder {
	b.rule.SourceType = &sourceType
	return b
}

// ForAlertType restricts the rule to an alert type
func (b *RuleBuilder) ForAlertType(alertType string) *RuleBuilder {
	b.rule.AlertType = &alertType
	return b
}

// WithSchedule sets escalation times and per-round channels
func (b *RuleBuilder) WithSchedule(times []int, channels map[int][]string) *RuleBuilder {
	b.rule.EscalationTimes = database.IntList(times)
	b.rule.Channels = database.ChannelMap(channels)
	return b
}

// WithPriority sets the base priority
func (b *RuleBuilder) WithPriority(p database.AlertSeverity) *RuleBuilder {
	b.rule.BasePriority = p
	return b
}

// WithCondition adds a metadata equality condition
func (b *RuleBuilder) WithCondition(key string, value interface{}) *RuleBuilder {
	if b.rule.Conditions == nil {
		b.rule.Conditions = database.JSONB{}
	}
	b.rule.Conditions[key] = value
	return b
}

// Inactive disables the rule
func (b *RuleBuilder) Inactive() *RuleBuilder {
	b.rule.Active = false
	return b
}

// Build returns the constructed rule
func (b *RuleBuilder) Build() database.AlertRule {
	return b.rule
}

// Create stores the rule and returns it with its ID
func (b *RuleBuilder) Create(t *testing.T, db *gorm.DB) *database.AlertRule {
	t.Helper()
	rule := b.rule
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("failed to create rule %s: %v", rule.Name, err)
	}
	return &rule
}

// ========================================
// Alert Builder
// ========================================

// AlertBuilder helps construct stored Alert rows for testing
type AlertBuilder struct {
	alert database.Alert
}

// NewAlertBuilder creates an active device-failure alert with a 0/15/60 schedule
func NewAlertBuilder() *AlertBuilder {
	return &AlertBuilder{
		alert: database.Alert{
			UUID:            uuid.New().String(),
			Title:           "Camera offline",
			AlertType:       "device_failure",
			SourceType:      "cot",
			SourceID:        "cam-1",
			Severity:        database.AlertSeverityHigh,
			Status:          database.AlertStatusActive,
			Priority:        database.AlertSeverityHigh,
			EscalationTimes: database.IntList{0, 15, 60},
			Channels:        database.ChannelMap{0: {"email"}, 1: {"sms"}, 2: {"push"}},
			Version:         1,
			CreatedAt:       time.Now().UTC(),
		},
	}
}

// WithSource sets the source type and id
func (b *AlertBuilder) WithSource(sourceType, sourceID string) *AlertBuilder {
	b.alert.SourceType = sourceType
	b.alert.SourceID = sourceID
	return b
}

// WithSeverity sets the severity
func (b *AlertBuilder) WithSeverity(s database.AlertSeverity) *AlertBuilder {
	b.alert.Severity = s
	return b
}

// WithStatus sets the lifecycle status
func (b *AlertBuilder) WithStatus(s database.AlertStatus) *AlertBuilder {
	b.alert.Status = s
	return b
}

// WithLevel sets the escalation level
func (b *AlertBuilder) WithLevel(level int) *AlertBuilder {
	b.alert.EscalationLevel = level
	return b
}

// WithSchedule sets escalation times and per-round channels
func (b *AlertBuilder) WithSchedule(times []int, channels map[int][]string) *AlertBuilder {
	b.alert.EscalationTimes = database.IntList(times)
	b.alert.Channels = database.ChannelMap(channels)
	return b
}

// CreatedAt sets the creation time
func (b *AlertBuilder) CreatedAt(at time.Time) *AlertBuilder {
	b.alert.CreatedAt = at
	b.alert.UpdatedAt = at
	return b
}

// Build returns the constructed alert. Active alerts hold their coalescing key.
func (b *AlertBuilder) Build() database.Alert {
	a := b.alert
	if a.Status == database.AlertStatusActive {
		key := database.CoalescingKey(a.SourceType, a.SourceID, a.AlertType)
		a.ActiveKey = &key
	}
	return a
}

// Create stores the alert and returns it with its ID
func (b *AlertBuilder) Create(t *testing.T, db *gorm.DB) *database.Alert {
	t.Helper()
	a := b.Build()
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	return &a
}

// ========================================
// Normalized Event Builder
// ========================================

// EventBuilder helps construct normalized events for testing
type EventBuilder struct {
	event alerts.NormalizedEvent
}

// NewEventBuilder creates a firing device-failure event from source "cot"
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: alerts.NormalizedEvent{
			Kind:       alerts.EventKindAlert,
			SourceType: "cot",
			SourceID:   "cam-1",
			AlertType:  "device_failure",
			Title:      "Camera offline",
			Severity:   database.AlertSeverityHigh,
			OccurredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Metadata:   map[string]interface{}{},
		},
	}
}

// WithSource sets the source type and id
func (b *EventBuilder) WithSource(sourceType, sourceID string) *EventBuilder {
	b.event.SourceType = sourceType
	b.event.SourceID = sourceID
	return b
}

// WithAlertType sets the alert type
func (b *EventBuilder) WithAlertType(alertType string) *EventBuilder {
	b.event.AlertType = alertType
	return b
}

// WithSeverity sets the severity
func (b *EventBuilder) WithSeverity(s database.AlertSeverity) *EventBuilder {
	b.event.Severity = s
	return b
}

// WithExternalID sets the source's own event id
func (b *EventBuilder) WithExternalID(id string) *EventBuilder {
	b.event.ExternalID = id
	return b
}

// WithMetadata adds a metadata entry
func (b *EventBuilder) WithMetadata(key string, value interface{}) *EventBuilder {
	b.event.Metadata[key] = value
	return b
}

// WithDevice attaches field-device identity
func (b *EventBuilder) WithDevice(id, name string) *EventBuilder {
	b.event.Device = &alerts.DeviceInfo{ID: id, Name: name}
	return b
}

// At sets when the event occurred
func (b *EventBuilder) At(at time.Time) *EventBuilder {
	b.event.OccurredAt = at
	return b
}

// Resolved marks the event as a recovery
func (b *EventBuilder) Resolved() *EventBuilder {
	b.event.Resolved = true
	return b
}

// Build returns the constructed event
func (b *EventBuilder) Build() alerts.NormalizedEvent {
	ev := b.event
	meta := make(map[string]interface{}, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	ev.Metadata = meta
	return ev
}
