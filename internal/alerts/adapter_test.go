package alerts

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rodovia/alertcore/internal/database"
)

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  database.AlertSeverity
	}{
		{"critical", database.AlertSeverityCritical},
		{"CRITICAL", database.AlertSeverityCritical},
		{"disaster", database.AlertSeverityCritical},
		{"major", database.AlertSeverityHigh},
		{"warning", database.AlertSeverityMedium},
		{"info", database.AlertSeverityLow},
		{"low", database.AlertSeverityLow},
		{"unheard-of", database.AlertSeverityMedium},
		{"", database.AlertSeverityMedium},
	}

	for _, tt := range tests {
		if got := NormalizeSeverity(tt.input, DefaultSeverityMapping); got != tt.want {
			t.Errorf("NormalizeSeverity(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestIsResolvedStatus(t *testing.T) {
	for _, s := range []string{"resolved", "OK", "recovery", "up"} {
		if !IsResolvedStatus(s) {
			t.Errorf("expected %q to be resolved", s)
		}
	}
	for _, s := range []string{"firing", "problem", "down", ""} {
		if IsResolvedStatus(s) {
			t.Errorf("expected %q to not be resolved", s)
		}
	}
}

func TestNormalizedEvent_DedupKey(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 12, 0, time.UTC)
	ev := NormalizedEvent{SourceID: "cam-7", AlertType: "device_failure", OccurredAt: at}

	key := ev.DedupKey("device")
	if !strings.HasPrefix(key, "sha256:") {
		t.Fatalf("expected hashed key, got %q", key)
	}

	sameMinute := ev
	sameMinute.OccurredAt = at.Add(40 * time.Second)
	if sameMinute.DedupKey("device") != key {
		t.Error("expected events in the same minute to share a key")
	}

	nextMinute := ev
	nextMinute.OccurredAt = at.Add(time.Minute)
	if nextMinute.DedupKey("device") == key {
		t.Error("expected events in different minutes to differ")
	}

	if ev.DedupKey("alertmanager") == key {
		t.Error("expected source to be part of the key")
	}

	withID := ev
	withID.ExternalID = "evt-1"
	if withID.DedupKey("device") != "evt-1" {
		t.Error("expected external id to be used verbatim")
	}
}

func TestNormalizedEvent_JSONBRoundTrip(t *testing.T) {
	ev := &NormalizedEvent{
		Kind:       EventKindAlert,
		SourceType: "cot",
		SourceID:   "D",
		AlertType:  "device_failure",
		Severity:   database.AlertSeverityHigh,
		OccurredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Metadata:   map[string]interface{}{"road": "SP-330"},
		Device:     &DeviceInfo{ID: "D", Name: "Camera"},
	}

	stored, err := ev.ToJSONB()
	if err != nil {
		t.Fatalf("ToJSONB: %v", err)
	}
	back, err := EventFromJSONB(stored)
	if err != nil {
		t.Fatalf("EventFromJSONB: %v", err)
	}

	if back.SourceID != "D" || back.Device == nil || back.Device.Name != "Camera" {
		t.Errorf("unexpected round trip result %+v", back)
	}
	if !back.OccurredAt.Equal(ev.OccurredAt) {
		t.Errorf("OccurredAt = %v", back.OccurredAt)
	}

	if _, err := EventFromJSONB(nil); err == nil {
		t.Error("expected error for empty envelope")
	}
}

func TestBaseAdapter_CheckSharedSecret(t *testing.T) {
	open := &BaseAdapter{}
	if err := open.CheckSharedSecret(http.Header{}); err != nil {
		t.Errorf("expected no secret to allow request, got %v", err)
	}

	b := &BaseAdapter{Secret: "abc"}
	h := http.Header{}
	h.Set("X-Custom", "abc")
	if err := b.CheckSharedSecret(h, "X-Custom"); err != nil {
		t.Errorf("expected header match, got %v", err)
	}
	if err := b.CheckSharedSecret(h); err != ErrInvalidSecret {
		t.Errorf("expected ErrInvalidSecret when header is not consulted, got %v", err)
	}
}
