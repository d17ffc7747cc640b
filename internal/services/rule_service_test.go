package services

import (
	"context"
	"errors"
	"testing"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/testhelpers"
)

func TestRuleService_Match(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	s := NewRuleService(db, "browser")
	ctx := context.Background()

	wildcard := testhelpers.NewRuleBuilder("any").Create(t, db)
	bySource := testhelpers.NewRuleBuilder("cot").ForSource("cot").Create(t, db)
	exact := testhelpers.NewRuleBuilder("cot-device").ForSource("cot").ForAlertType("device_failure").Create(t, db)
	withCond := testhelpers.NewRuleBuilder("cot-device-sp330").ForSource("cot").ForAlertType("device_failure").
		WithCondition("road", "SP-330").Create(t, db)
	testhelpers.NewRuleBuilder("disabled").ForSource("cot").ForAlertType("device_failure").Inactive().Create(t, db)

	tests := []struct {
		name       string
		source     string
		alertType  string
		metadata   map[string]interface{}
		wantRuleID uint
	}{
		{"exact match beats source-only", "cot", "device_failure", nil, exact.ID},
		{"conditions break specificity ties", "cot", "device_failure", map[string]interface{}{"road": "SP-330"}, withCond.ID},
		{"source-only match", "cot", "congestion", nil, bySource.ID},
		{"wildcard fallback", "zabbix", "cpu", nil, wildcard.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := s.Match(ctx, tt.source, tt.alertType, tt.metadata)
			testhelpers.AssertNoError(t, err, "match")
			testhelpers.AssertEqual(t, tt.wantRuleID, rule.ID, "rule")
		})
	}
}

func TestRuleService_Match_Default(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	s := NewRuleService(db, "browser")
	testhelpers.NewRuleBuilder("zbx").ForSource("zabbix").Create(t, db)

	rule, err := s.Match(context.Background(), "cot", "device_failure", nil)
	testhelpers.AssertNoError(t, err, "match")
	testhelpers.AssertEqual(t, "default", rule.Name, "rule name")
	if len(rule.EscalationTimes) != 1 || rule.EscalationTimes[0] != 0 {
		t.Errorf("expected a single immediate round, got %v", rule.EscalationTimes)
	}
	if ch := rule.Channels[0]; len(ch) != 1 || ch[0] != "browser" {
		t.Errorf("expected default channel, got %v", rule.Channels)
	}
}

func TestRuleService_CRUD(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	s := NewRuleService(db, "browser")
	ctx := context.Background()

	bad := testhelpers.NewRuleBuilder("bad").WithSchedule([]int{15, 0}, map[int][]string{0: {"email"}, 1: {"sms"}}).Build()
	testhelpers.AssertError(t, s.Create(ctx, &bad), "decreasing schedule")

	rule := testhelpers.NewRuleBuilder("cams").ForSource("cot").Build()
	testhelpers.AssertNoError(t, s.Create(ctx, &rule), "create")

	rule.SourceType = nil
	rule.Active = false
	testhelpers.AssertNoError(t, s.Update(ctx, &rule), "update")
	got, err := s.Get(ctx, rule.ID)
	testhelpers.AssertNoError(t, err, "get")
	if got.SourceType != nil || got.Active {
		t.Errorf("expected wildcard inactive rule, got %+v", got)
	}

	testhelpers.AssertNoError(t, s.Delete(ctx, rule.ID), "delete")
	if err := s.Delete(ctx, rule.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRuleService_Seed(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	s := NewRuleService(db, "browser")
	ctx := context.Background()

	defs := []config.RuleDefinition{{
		Name:            "cams",
		SourceType:      "cot",
		AlertType:       "device_failure",
		EscalationTimes: []int{0, 15, 60},
		Channels:        map[int][]string{0: {"email"}, 1: {"sms"}, 2: {"push"}},
		BasePriority:    "high",
	}}
	testhelpers.AssertNoError(t, s.Seed(ctx, defs), "seed")

	defs[0].EscalationTimes = []int{0, 30}
	defs[0].Channels = map[int][]string{0: {"email"}, 1: {"sms"}}
	testhelpers.AssertNoError(t, s.Seed(ctx, defs), "reseed")

	rules, err := s.List(ctx)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, 1, len(rules), "rules after reseed")
	testhelpers.AssertEqual(t, 30, rules[0].EscalationTimes[1], "updated schedule")
	testhelpers.AssertEqual(t, database.AlertSeverityHigh, rules[0].BasePriority, "base priority")
}
