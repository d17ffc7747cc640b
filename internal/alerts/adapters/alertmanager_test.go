package adapters

import (
	"net/http"
	"testing"
	"time"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
)

func TestNewAlertmanagerAdapter(t *testing.T) {
	adapter := NewAlertmanagerAdapter("")
	if adapter == nil {
		t.Fatal("Expected adapter to not be nil")
	}
	if adapter.GetSourceType() != "alertmanager" {
		t.Errorf("Expected source type 'alertmanager', got '%s'", adapter.GetSourceType())
	}
}

func TestAlertmanagerAdapter_ParsePayload_FiringAlert(t *testing.T) {
	adapter := NewAlertmanagerAdapter("")

	payload := []byte(`{
		"version": "4",
		"status": "firing",
		"alerts": [
			{
				"status": "firing",
				"labels": {
					"alertname": "CameraOffline",
					"severity": "critical",
					"instance": "cam-km42:9100",
					"job": "cameras",
					"source": "cot",
					"alert_type": "device_failure"
				},
				"annotations": {
					"summary": "Camera km 42 unreachable",
					"description": "No frames for 5 minutes"
				},
				"startsAt": "2024-01-15T10:30:00Z",
				"endsAt": "0001-01-01T00:00:00Z",
				"fingerprint": "abc123def456"
			}
		]
	}`)

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Kind != alerts.EventKindAlert {
		t.Errorf("Expected alert kind, got %s", ev.Kind)
	}
	if ev.SourceType != "cot" {
		t.Errorf("Expected source type from label 'cot', got '%s'", ev.SourceType)
	}
	if ev.SourceID != "abc123def456" {
		t.Errorf("Expected fingerprint as source id, got '%s'", ev.SourceID)
	}
	if ev.AlertType != "device_failure" {
		t.Errorf("Expected alert_type label to win, got '%s'", ev.AlertType)
	}
	if ev.Title != "Camera km 42 unreachable" {
		t.Errorf("Expected summary as title, got '%s'", ev.Title)
	}
	if ev.Severity != database.AlertSeverityCritical {
		t.Errorf("Expected critical severity, got '%s'", ev.Severity)
	}
	if ev.Resolved {
		t.Error("Expected firing alert to not be resolved")
	}
	if !ev.OccurredAt.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("Unexpected OccurredAt: %v", ev.OccurredAt)
	}
	if ev.Metadata["instance"] != "cam-km42:9100" {
		t.Errorf("Expected labels in metadata, got %v", ev.Metadata)
	}
	if len(ev.Tags) != 1 || ev.Tags[0] != "cameras" {
		t.Errorf("Expected job tag, got %v", ev.Tags)
	}
}

func TestAlertmanagerAdapter_ParsePayload_ResolvedUsesEndTime(t *testing.T) {
	adapter := NewAlertmanagerAdapter("")

	payload := []byte(`{
		"status": "resolved",
		"alerts": [{
			"status": "resolved",
			"labels": {"alertname": "HighLatency", "severity": "warning"},
			"startsAt": "2024-01-15T10:00:00Z",
			"endsAt": "2024-01-15T10:45:00Z",
			"fingerprint": "fp-1"
		}]
	}`)

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}

	ev := events[0]
	if !ev.Resolved {
		t.Error("Expected resolved event")
	}
	if ev.SourceType != "alertmanager" {
		t.Errorf("Expected default source type, got %s", ev.SourceType)
	}
	if ev.AlertType != "HighLatency" {
		t.Errorf("Expected alertname as alert type, got %s", ev.AlertType)
	}
	if ev.Severity != database.AlertSeverityMedium {
		t.Errorf("Expected warning to map to medium, got %s", ev.Severity)
	}
	if !ev.OccurredAt.Equal(time.Date(2024, 1, 15, 10, 45, 0, 0, time.UTC)) {
		t.Errorf("Expected endsAt as OccurredAt, got %v", ev.OccurredAt)
	}
}

func TestAlertmanagerAdapter_ParsePayload_MultipleAlerts(t *testing.T) {
	adapter := NewAlertmanagerAdapter("")

	payload := []byte(`{"alerts": [
		{"status": "firing", "labels": {"alertname": "A"}, "fingerprint": "1"},
		{"status": "firing", "labels": {"alertname": "B"}, "fingerprint": "2"}
	]}`)

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].DedupKey("alertmanager") == events[1].DedupKey("alertmanager") {
		t.Error("Expected distinct dedup keys for distinct fingerprints")
	}
}

func TestAlertmanagerAdapter_ParsePayload_Malformed(t *testing.T) {
	adapter := NewAlertmanagerAdapter("")

	tests := []struct {
		name    string
		payload string
	}{
		{name: "invalid json", payload: `{not json`},
		{name: "missing alerts array", payload: `{"status": "firing"}`},
		{name: "missing alertname", payload: `{"alerts": [{"labels": {}, "fingerprint": "x"}]}`},
		{name: "no identity", payload: `{"alerts": [{"labels": {"alertname": "A"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := adapter.ParsePayload([]byte(tt.payload)); err == nil {
				t.Error("Expected error for malformed payload")
			}
		})
	}
}

func TestAlertmanagerAdapter_ValidateWebhookSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		headers map[string]string
		wantErr bool
	}{
		{name: "no secret configured", secret: "", wantErr: false},
		{name: "custom header", secret: "s3cret", headers: map[string]string{"X-Alertmanager-Secret": "s3cret"}},
		{name: "generic header", secret: "s3cret", headers: map[string]string{"X-Webhook-Secret": "s3cret"}},
		{name: "bearer token", secret: "s3cret", headers: map[string]string{"Authorization": "Bearer s3cret"}},
		{name: "wrong secret", secret: "s3cret", headers: map[string]string{"X-Alertmanager-Secret": "nope"}, wantErr: true},
		{name: "missing secret", secret: "s3cret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewAlertmanagerAdapter(tt.secret)
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}
			err := adapter.ValidateWebhookSecret(headers, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebhookSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
