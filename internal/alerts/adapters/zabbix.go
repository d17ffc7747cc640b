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

// ZabbixAdapter handles Zabbix media-type webhooks
type ZabbixAdapter struct {
	alerts.BaseAdapter
}

// NewZabbixAdapter creates a new Zabbix adapter
func NewZabbixAdapter(secret string) *ZabbixAdapter {
	return &ZabbixAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "zabbix", Secret: secret},
	}
}

// ZabbixPayload represents the webhook payload built by the Zabbix media type script
type ZabbixPayload struct {
	EventTime         string `json:"event_time"`
	AlertName         string `json:"alert_name"`
	AlertType         string `json:"alert_type"`
	Priority          string `json:"priority"`
	MetricName        string `json:"metric_name"`
	MetricValue       string `json:"metric_value"`
	TriggerExpression string `json:"trigger_expression"`
	EventID           string `json:"event_id"`
	Hardware          string `json:"hardware"`
	HostGroup         string `json:"host_group"`
	EventStatus       string `json:"event_status"`
}

// ValidateWebhookSecret validates the Zabbix webhook secret header
func (a *ZabbixAdapter) ValidateWebhookSecret(headers http.Header, body []byte) error {
	return a.CheckSharedSecret(headers, "X-Zabbix-Secret", "X-Webhook-Secret")
}

// ParsePayload parses a Zabbix webhook payload into one normalized event
func (a *ZabbixAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload ZabbixPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse zabbix payload: %w", err)
	}
	if payload.AlertName == "" || payload.Hardware == "" {
		return nil, fmt.Errorf("zabbix payload requires alert_name and hardware")
	}

	resolved := payload.EventStatus == "RESOLVED" || alerts.IsResolvedStatus(payload.EventStatus)

	occurredAt := time.Now().UTC()
	if payload.EventTime != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", payload.EventTime); err == nil {
			occurredAt = t
		} else if t, err := time.Parse(time.RFC3339, payload.EventTime); err == nil {
			occurredAt = t
		}
	}

	// Problem and recovery events share {EVENT.ID}, so the state is part of the id.
	externalID := ""
	if payload.EventID != "" {
		state := "problem"
		if resolved {
			state = "resolved"
		}
		externalID = fmt.Sprintf("zabbix:%s:%s", payload.EventID, state)
	}

	metadata := map[string]interface{}{
		"hardware": payload.Hardware,
	}
	for k, v := range map[string]string{
		"metric_name":        payload.MetricName,
		"metric_value":       payload.MetricValue,
		"trigger_expression": payload.TriggerExpression,
		"host_group":         payload.HostGroup,
		"event_id":           payload.EventID,
	} {
		if v != "" {
			metadata[k] = v
		}
	}

	var tags []string
	if payload.HostGroup != "" {
		tags = append(tags, strings.ToLower(payload.HostGroup))
	}

	description := payload.TriggerExpression
	if payload.MetricName != "" {
		description = fmt.Sprintf("Metric: %s = %s\nTrigger: %s", payload.MetricName, payload.MetricValue, payload.TriggerExpression)
	}

	return []alerts.NormalizedEvent{{
		Kind:        alerts.EventKindAlert,
		ExternalID:  externalID,
		SourceType:  a.SourceType,
		SourceID:    payload.Hardware,
		AlertType:   firstNonEmpty(payload.AlertType, payload.AlertName),
		Title:       payload.AlertName,
		Description: description,
		Severity:    a.mapPriorityToSeverity(payload.Priority),
		Resolved:    resolved,
		OccurredAt:  occurredAt,
		Metadata:    metadata,
		Tags:        tags,
	}}, nil
}

// mapPriorityToSeverity maps Zabbix priority (0-5 or its names) to normalized severity
func (a *ZabbixAdapter) mapPriorityToSeverity(priority string) database.AlertSeverity {
	switch strings.ToLower(priority) {
	case "5", "disaster":
		return database.AlertSeverityCritical
	case "4", "high":
		return database.AlertSeverityHigh
	case "3", "average":
		return database.AlertSeverityMedium
	case "2", "1", "0", "warning", "information", "not classified":
		return database.AlertSeverityLow
	default:
		return database.AlertSeverityMedium
	}
}
