package alerts

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rodovia/alertcore/internal/database"
)

// EventKind distinguishes what a normalized event asks the engine to do
type EventKind string

const (
	// EventKindAlert raises or clears a monitoring condition
	EventKindAlert EventKind = "alert"
	// EventKindDeliveryStatus reports progress of a message we sent
	EventKindDeliveryStatus EventKind = "delivery_status"
	// EventKindInboundMessage is a reply sent to us on a messaging channel
	EventKindInboundMessage EventKind = "inbound_message"
)

// ErrInvalidSecret is returned when a webhook fails authentication
var ErrInvalidSecret = errors.New("invalid webhook secret")

// NormalizedEvent is the common event format all adapters produce
type NormalizedEvent struct {
	Kind       EventKind `json:"kind"`
	ExternalID string    `json:"external_id,omitempty"`

	SourceType  string                 `json:"source_type,omitempty"`
	SourceID    string                 `json:"source_id,omitempty"`
	AlertType   string                 `json:"alert_type,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Severity    database.AlertSeverity `json:"severity,omitempty"`
	Resolved    bool                   `json:"resolved,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Tags        []string               `json:"tags,omitempty"`

	Device   *DeviceInfo     `json:"device,omitempty"`
	Delivery *DeliveryUpdate `json:"delivery,omitempty"`
	Reply    *InboundReply   `json:"reply,omitempty"`
}

// DeviceInfo identifies the field device behind a device-flip event
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DeliveryUpdate is a messaging provider's status report for a sent message
type DeliveryUpdate struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Recipient string    `json:"recipient,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// InboundReply is a message an operator sent back on a messaging channel
type InboundReply struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	ContextID string    `json:"context_id,omitempty"`
	At        time.Time `json:"at"`
}

// DedupKey returns the external identifier when the source supplied one,
// otherwise a hash of source, source id, alert type and the event minute.
func (e *NormalizedEvent) DedupKey(source string) string {
	if e.ExternalID != "" {
		return e.ExternalID
	}
	minute := e.OccurredAt.UTC().Truncate(time.Minute).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", source, e.SourceID, e.AlertType, minute)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ToJSONB converts the event for storage on its envelope
func (e *NormalizedEvent) ToJSONB() (database.JSONB, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out database.JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventFromJSONB restores an event stored with ToJSONB
func EventFromJSONB(data database.JSONB) (*NormalizedEvent, error) {
	if len(data) == 0 {
		return nil, errors.New("envelope has no normalized event")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var ev NormalizedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventAdapter defines the interface for source-specific payload parsing
type EventAdapter interface {
	// GetSourceType returns the source name used in the intake route (e.g., "alertmanager")
	GetSourceType() string

	// ValidateWebhookSecret authenticates the request before its body is parsed
	ValidateWebhookSecret(headers http.Header, body []byte) error

	// ParsePayload parses the raw request body into normalized events.
	// A single webhook can carry several events (e.g., Alertmanager groups).
	ParsePayload(body []byte) ([]NormalizedEvent, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType string
	Secret     string
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() string {
	return b.SourceType
}

// CheckSharedSecret accepts the request when no secret is configured, or when
// any of the given headers (or a Bearer Authorization header) carries it.
func (b *BaseAdapter) CheckSharedSecret(headers http.Header, headerNames ...string) error {
	if b.Secret == "" {
		return nil
	}
	candidates := make([]string, 0, len(headerNames)+1)
	for _, name := range headerNames {
		candidates = append(candidates, headers.Get(name))
	}
	candidates = append(candidates, strings.TrimPrefix(headers.Get("Authorization"), "Bearer "))

	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(b.Secret)) == 1 {
			return nil
		}
	}
	return ErrInvalidSecret
}

// NormalizeSeverity maps a source severity string onto the four engine severities
func NormalizeSeverity(severity string, severityMapping map[string][]string) database.AlertSeverity {
	severity = strings.ToLower(strings.TrimSpace(severity))

	switch database.AlertSeverity(severity) {
	case database.AlertSeverityCritical, database.AlertSeverityHigh,
		database.AlertSeverityMedium, database.AlertSeverityLow:
		return database.AlertSeverity(severity)
	}

	for normalized, aliases := range severityMapping {
		for _, alias := range aliases {
			if strings.ToLower(alias) == severity {
				return database.AlertSeverity(normalized)
			}
		}
	}

	return database.AlertSeverityMedium
}

// IsResolvedStatus reports whether a source status string means the condition cleared
func IsResolvedStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "resolved", "ok", "recovery", "inactive", "up", "online", "normal":
		return true
	}
	return false
}

// DefaultSeverityMapping provides default mapping for common severity values
var DefaultSeverityMapping = map[string][]string{
	"critical": {"disaster", "p1", "5", "emergency", "fatal", "critica", "crítica"},
	"high":     {"major", "p2", "4", "error", "severe", "alta"},
	"medium":   {"warning", "minor", "p3", "3", "average", "warn", "media", "média"},
	"low":      {"info", "informational", "p4", "1", "2", "notice", "debug", "baixa"},
}
