package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rodovia/alertcore/internal/alerts"
)

// AlertmanagerAdapter handles Prometheus Alertmanager webhooks
type AlertmanagerAdapter struct {
	alerts.BaseAdapter
}

// NewAlertmanagerAdapter creates a new Alertmanager adapter. An empty secret disables authentication.
func NewAlertmanagerAdapter(secret string) *AlertmanagerAdapter {
	return &AlertmanagerAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "alertmanager", Secret: secret},
	}
}

// AlertmanagerPayload represents the webhook payload from Alertmanager
type AlertmanagerPayload struct {
	Alerts            []AlertmanagerAlert `json:"alerts"`
	Status            string              `json:"status"`
	Receiver          string              `json:"receiver"`
	GroupLabels       map[string]string   `json:"groupLabels"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
	ExternalURL       string              `json:"externalURL"`
	Version           string              `json:"version"`
	GroupKey          string              `json:"groupKey"`
}

// AlertmanagerAlert represents a single alert in the payload
type AlertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// ValidateWebhookSecret validates the webhook secret header
func (a *AlertmanagerAdapter) ValidateWebhookSecret(headers http.Header, body []byte) error {
	return a.CheckSharedSecret(headers, "X-Alertmanager-Secret", "X-Webhook-Secret")
}

// ParsePayload parses Alertmanager webhook payload into normalized events
func (a *AlertmanagerAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload AlertmanagerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alertmanager payload: %w", err)
	}
	if payload.Alerts == nil {
		return nil, fmt.Errorf("alertmanager payload has no alerts array")
	}

	events := make([]alerts.NormalizedEvent, 0, len(payload.Alerts))
	for i, alert := range payload.Alerts {
		ev, err := a.parseAlert(alert)
		if err != nil {
			return nil, fmt.Errorf("alert %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *AlertmanagerAdapter) parseAlert(alert AlertmanagerAlert) (alerts.NormalizedEvent, error) {
	alertName := alert.Labels["alertname"]
	if alertName == "" {
		return alerts.NormalizedEvent{}, fmt.Errorf("missing alertname label")
	}

	sourceType := firstNonEmpty(alert.Labels["source_type"], alert.Labels["source"], a.SourceType)
	sourceID := firstNonEmpty(alert.Fingerprint, alert.Labels["instance"])
	if sourceID == "" {
		return alerts.NormalizedEvent{}, fmt.Errorf("alert %s has neither fingerprint nor instance", alertName)
	}

	resolved := alerts.IsResolvedStatus(alert.Status)
	occurredAt := alert.StartsAt
	if resolved && !alert.EndsAt.IsZero() {
		occurredAt = alert.EndsAt
	}

	metadata := make(map[string]interface{}, len(alert.Labels)+3)
	for k, v := range alert.Labels {
		metadata[k] = v
	}
	if len(alert.Annotations) > 0 {
		annotations := make(map[string]interface{}, len(alert.Annotations))
		for k, v := range alert.Annotations {
			annotations[k] = v
		}
		metadata["annotations"] = annotations
	}
	if alert.GeneratorURL != "" {
		metadata["generator_url"] = alert.GeneratorURL
	}
	if alert.Fingerprint != "" {
		metadata["fingerprint"] = alert.Fingerprint
	}

	var tags []string
	if job := alert.Labels["job"]; job != "" {
		tags = append(tags, job)
	}

	return alerts.NormalizedEvent{
		Kind:        alerts.EventKindAlert,
		SourceType:  sourceType,
		SourceID:    sourceID,
		AlertType:   firstNonEmpty(alert.Labels["alert_type"], alertName),
		Title:       firstNonEmpty(alert.Annotations["summary"], alertName),
		Description: alert.Annotations["description"],
		Severity:    alerts.NormalizeSeverity(alert.Labels["severity"], alerts.DefaultSeverityMapping),
		Resolved:    resolved,
		OccurredAt:  occurredAt,
		Metadata:    metadata,
		Tags:        tags,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
