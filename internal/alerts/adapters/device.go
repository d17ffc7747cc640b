package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
)

// DeviceFailureType is the alert type raised for a device going down
const DeviceFailureType = "device_failure"

// DeviceAdapter handles status flips reported by the device poller
type DeviceAdapter struct {
	alerts.BaseAdapter
}

// NewDeviceAdapter creates a new device-flip adapter
func NewDeviceAdapter(secret string) *DeviceAdapter {
	return &DeviceAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "device", Secret: secret},
	}
}

// DevicePayload is one status transition observed for a field device
type DevicePayload struct {
	EventID    string                 `json:"event_id"`
	Source     string                 `json:"source"`
	DeviceID   string                 `json:"device_id"`
	DeviceName string                 `json:"device_name"`
	DeviceType string                 `json:"device_type"`
	Status     string                 `json:"status"`
	AlertType  string                 `json:"alert_type"`
	Severity   string                 `json:"severity"`
	ObservedAt time.Time              `json:"observed_at"`
	Details    map[string]interface{} `json:"details"`
}

// ValidateWebhookSecret validates the shared secret header
func (a *DeviceAdapter) ValidateWebhookSecret(headers http.Header, body []byte) error {
	return a.CheckSharedSecret(headers, "X-Webhook-Secret")
}

// ParsePayload accepts either a single flip object or an array of them
func (a *DeviceAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	var payloads []DevicePayload
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, fmt.Errorf("failed to parse device payload: %w", err)
		}
	} else {
		var single DevicePayload
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("failed to parse device payload: %w", err)
		}
		payloads = []DevicePayload{single}
	}

	events := make([]alerts.NormalizedEvent, 0, len(payloads))
	for i, p := range payloads {
		ev, err := a.parseFlip(p)
		if err != nil {
			return nil, fmt.Errorf("device event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *DeviceAdapter) parseFlip(p DevicePayload) (alerts.NormalizedEvent, error) {
	if p.DeviceID == "" {
		return alerts.NormalizedEvent{}, fmt.Errorf("device_id is required")
	}
	status := strings.ToLower(p.Status)
	var resolved bool
	switch status {
	case "down", "offline", "failed", "fault":
	case "up", "online", "ok":
		resolved = true
	default:
		return alerts.NormalizedEvent{}, fmt.Errorf("unknown device status %q", p.Status)
	}

	name := firstNonEmpty(p.DeviceName, p.DeviceID)
	observedAt := p.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	metadata := make(map[string]interface{}, len(p.Details)+3)
	for k, v := range p.Details {
		metadata[k] = v
	}
	metadata["device_id"] = p.DeviceID
	metadata["device_name"] = name
	if p.DeviceType != "" {
		metadata["device_type"] = p.DeviceType
	}

	title := fmt.Sprintf("Device %s is %s", name, status)

	var tags []string
	if p.DeviceType != "" {
		tags = append(tags, p.DeviceType)
	}

	severity := alerts.NormalizeSeverity(p.Severity, alerts.DefaultSeverityMapping)
	if p.Severity == "" {
		severity = database.AlertSeverityHigh
	}

	return alerts.NormalizedEvent{
		Kind:       alerts.EventKindAlert,
		ExternalID: p.EventID,
		SourceType: firstNonEmpty(p.Source, a.SourceType),
		SourceID:   p.DeviceID,
		AlertType:  firstNonEmpty(p.AlertType, DeviceFailureType),
		Title:      title,
		Severity:   severity,
		Resolved:   resolved,
		OccurredAt: observedAt,
		Metadata:   metadata,
		Tags:       tags,
		Device:     &alerts.DeviceInfo{ID: p.DeviceID, Name: name},
	}, nil
}
