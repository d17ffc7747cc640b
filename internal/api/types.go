package api

import (
	"time"

	"github.com/rodovia/alertcore/internal/database"
)

// ========== Alert Types ==========

// ResolveAlertRequest is the optional body for POST /api/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	Notes string `json:"notes" validate:"omitempty,max=4096"`
}

// CloseDeviceAlertRequest is the optional body for POST /api/device-alerts/{id}/close.
type CloseDeviceAlertRequest struct {
	Comment string `json:"comment" validate:"omitempty,max=4096"`
}

// AlertResponse is an alert with its priority computed at response time.
type AlertResponse struct {
	database.Alert
	AgeMinutes    int                    `json:"age_minutes"`
	PriorityScore int                    `json:"priority_score"`
	PriorityLevel database.AlertSeverity `json:"priority_level"`
}

// DeviceAlertResponse is a device alert with its age-based level.
type DeviceAlertResponse struct {
	database.DeviceAlert
	AgeMinutes int                    `json:"age_minutes"`
	Level      database.AlertSeverity `json:"level"`
}

// ========== Rule Types ==========

// RuleRequest is the body for POST /api/rules and PUT /api/rules/{id}.
// Empty source_type or alert_type means any.
type RuleRequest struct {
	Name            string                 `json:"name" validate:"required,min=1,max=100"`
	Description     string                 `json:"description" validate:"omitempty,max=1024"`
	SourceType      string                 `json:"source_type" validate:"omitempty,max=100"`
	AlertType       string                 `json:"alert_type" validate:"omitempty,max=100"`
	EscalationTimes []int                  `json:"escalation_times" validate:"required,min=1,schedule"`
	Channels        map[int][]string       `json:"channels" validate:"required,min=1"`
	BasePriority    string                 `json:"base_priority" validate:"omitempty,severity"`
	Active          *bool                  `json:"active"`
	Conditions      map[string]interface{} `json:"conditions"`
}

// ========== Webhook Types ==========

// WebhookLogListItem is an envelope without its raw payload and headers.
type WebhookLogListItem struct {
	ID           uint                    `json:"id"`
	UUID         string                  `json:"uuid"`
	Source       string                  `json:"source"`
	DedupKey     string                  `json:"dedup_key"`
	Status       database.EnvelopeStatus `json:"status"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Attempts     int                     `json:"attempts"`
	AlertID      *uint                   `json:"alert_id,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}
