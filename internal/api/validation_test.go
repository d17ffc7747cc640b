package api

import (
	"testing"
)

func validRule() RuleRequest {
	return RuleRequest{
		Name:            "cot-device-failure",
		SourceType:      "cot",
		EscalationTimes: []int{0, 15, 60},
		Channels:        map[int][]string{0: {"email"}},
		BasePriority:    "high",
	}
}

func TestValidate_RuleRequest(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *RuleRequest)
		wantField string
		wantMsg   string
	}{
		{"valid", func(r *RuleRequest) {}, "", ""},
		{"priority may be omitted", func(r *RuleRequest) { r.BasePriority = "" }, "", ""},
		{"missing name", func(r *RuleRequest) { r.Name = "" }, "name", "is required"},
		{"missing schedule", func(r *RuleRequest) { r.EscalationTimes = nil }, "escalation_times", "is required"},
		{"empty schedule", func(r *RuleRequest) { r.EscalationTimes = []int{} }, "escalation_times", "must have at least 1 entries"},
		{"decreasing schedule", func(r *RuleRequest) { r.EscalationTimes = []int{0, 30, 15} }, "escalation_times", "must be non-negative minutes in non-decreasing order"},
		{"negative minute", func(r *RuleRequest) { r.EscalationTimes = []int{-5} }, "escalation_times", "must be non-negative minutes in non-decreasing order"},
		{"unknown severity", func(r *RuleRequest) { r.BasePriority = "urgent" }, "base_priority", "must be one of: critical high medium low"},
		{"missing channels", func(r *RuleRequest) { r.Channels = nil }, "channels", "is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRule()
			tt.mutate(&req)
			errs := Validate(req)
			if tt.wantField == "" {
				if errs != nil {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			if errs[tt.wantField] != tt.wantMsg {
				t.Errorf("%s error = %q, want %q (all: %v)", tt.wantField, errs[tt.wantField], tt.wantMsg, errs)
			}
		})
	}
}

func TestValidate_MaxLength(t *testing.T) {
	req := ResolveAlertRequest{}
	for i := 0; i < 4097; i++ {
		req.Notes += "a"
	}
	errs := Validate(req)
	if errs["notes"] != "must be at most 4096 characters" {
		t.Errorf("notes error = %q", errs["notes"])
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Name", "name"},
		{"EscalationTimes", "escalation_times"},
		{"APIKey", "a_p_i_key"},
		{"simple", "simple"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := toSnakeCase(tt.input); got != tt.expected {
			t.Errorf("toSnakeCase(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
