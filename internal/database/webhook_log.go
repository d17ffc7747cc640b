package database

import (
	"fmt"
	"time"
)

// EnvelopeStatus is the processing state of an ingest envelope
type EnvelopeStatus string

const (
	EnvelopeStatusReceived   EnvelopeStatus = "received"
	EnvelopeStatusQueued     EnvelopeStatus = "queued"
	EnvelopeStatusProcessing EnvelopeStatus = "processing"
	EnvelopeStatusCompleted  EnvelopeStatus = "completed"
	EnvelopeStatusFailed     EnvelopeStatus = "failed"
)

// WebhookLog is the ingest envelope: the raw payload as received plus its
// normalized form and processing outcome.
type WebhookLog struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	UUID       string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Source     string `gorm:"size:50;not null;index:idx_webhook_logs_dedup" json:"source"`
	DedupKey   string `gorm:"size:255;not null;index:idx_webhook_logs_dedup" json:"dedup_key"`
	ExternalID string `gorm:"size:255" json:"external_id,omitempty"`

	// LiveKey is source|dedup_key for every envelope that is not failed; failed
	// envelopes release it so a re-delivery or replay can claim the key again.
	LiveKey *string `gorm:"uniqueIndex;size:320" json:"-"`

	RawPayload string `gorm:"type:text" json:"raw_payload"`
	Headers    JSONB  `gorm:"type:jsonb" json:"headers"`
	Normalized JSONB  `gorm:"type:jsonb" json:"normalized"`

	Status       EnvelopeStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`

	AlertID           *uint `gorm:"index" json:"alert_id,omitempty"`
	DeviceAlertID     *uint `json:"device_alert_id,omitempty"`
	NotificationLogID *uint `json:"notification_log_id,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (WebhookLog) TableName() string {
	return "webhook_logs"
}

// EnvelopeLiveKey builds the unique key held by non-failed envelopes
func EnvelopeLiveKey(source, dedupKey string) string {
	return fmt.Sprintf("%s|%s", source, dedupKey)
}
