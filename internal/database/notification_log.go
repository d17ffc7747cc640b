package database

import "time"

// NotificationStatus is the delivery state of one (alert, round, channel, recipient) send
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSending   NotificationStatus = "sending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusRead      NotificationStatus = "read"
	NotificationStatusFailed    NotificationStatus = "failed"
)

// Rank orders the success path pending < sending < sent < delivered < read.
// Failed ranks -1 because it sits off that path.
func (s NotificationStatus) Rank() int {
	switch s {
	case NotificationStatusPending:
		return 0
	case NotificationStatusSending:
		return 1
	case NotificationStatusSent:
		return 2
	case NotificationStatusDelivered:
		return 3
	case NotificationStatusRead:
		return 4
	default:
		return -1
	}
}

// NotificationErrorKind classifies a failed send
type NotificationErrorKind string

const (
	NotificationErrorNone      NotificationErrorKind = ""
	NotificationErrorTransient NotificationErrorKind = "transient"
	NotificationErrorPermanent NotificationErrorKind = "permanent"
	// NotificationErrorAbandoned marks a transient failure that will not be retried
	// because its alert left the active/acknowledged states.
	NotificationErrorAbandoned NotificationErrorKind = "abandoned"
)

// NotificationLog records one delivery attempt. The unique index on
// (alert_id, escalation_level, channel, recipient) is the send idempotency key.
type NotificationLog struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	AlertID         uint   `gorm:"not null;uniqueIndex:idx_notification_logs_key,priority:1" json:"alert_id"`
	EscalationLevel int    `gorm:"not null;uniqueIndex:idx_notification_logs_key,priority:2" json:"escalation_level"`
	Channel         string `gorm:"size:50;not null;uniqueIndex:idx_notification_logs_key,priority:3" json:"channel"`
	Recipient       string `gorm:"size:255;not null;uniqueIndex:idx_notification_logs_key,priority:4" json:"recipient"`
	Message         string `gorm:"type:text" json:"message"`

	Status       NotificationStatus    `gorm:"type:varchar(20);not null;index" json:"status"`
	RetryCount   int                   `gorm:"not null;default:0" json:"retry_count"`
	ErrorKind    NotificationErrorKind `gorm:"type:varchar(20)" json:"error_kind,omitempty"`
	ErrorMessage string                `gorm:"type:text" json:"error_message,omitempty"`
	ExternalID   string                `gorm:"size:255;index" json:"external_id,omitempty"`

	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (NotificationLog) TableName() string {
	return "notification_logs"
}
