package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/database"
)

// RuleService stores alert rules and selects the rule for an event
type RuleService struct {
	db             *gorm.DB
	defaultChannel string
}

// NewRuleService creates a new RuleService. defaultChannel receives the single
// immediate round of the built-in default rule.
func NewRuleService(db *gorm.DB, defaultChannel string) *RuleService {
	return &RuleService{db: db, defaultChannel: defaultChannel}
}

// DefaultRule is used when no stored rule matches: notify once, immediately,
// on the default channel, with no escalation.
func (s *RuleService) DefaultRule() *database.AlertRule {
	return &database.AlertRule{
		Name:            "default",
		EscalationTimes: database.IntList{0},
		Channels:        database.ChannelMap{0: {s.defaultChannel}},
		BasePriority:    database.AlertSeverityMedium,
		Active:          true,
	}
}

// Match returns the most specific active rule accepting the event. Ties go to
// the rule with more conditions, then the lowest ID.
func (s *RuleService) Match(ctx context.Context, sourceType, alertType string, metadata map[string]interface{}) (*database.AlertRule, error) {
	var candidates []database.AlertRule
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("source_type IS NULL OR source_type = ?", sourceType).
		Where("alert_type IS NULL OR alert_type = ?", alertType).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	matched := candidates[:0]
	for _, r := range candidates {
		if r.Matches(sourceType, alertType, metadata) {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		log.WithFields(log.Fields{
			"source_type": sourceType,
			"alert_type":  alertType,
		}).Warnf("%v, using default rule", ErrNoMatchingRule)
		return s.DefaultRule(), nil
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Specificity() != b.Specificity() {
			return a.Specificity() > b.Specificity()
		}
		if len(a.Conditions) != len(b.Conditions) {
			return len(a.Conditions) > len(b.Conditions)
		}
		return a.ID < b.ID
	})
	return &matched[0], nil
}

// List returns all rules ordered by ID
func (s *RuleService) List(ctx context.Context) ([]database.AlertRule, error) {
	var rules []database.AlertRule
	err := s.db.WithContext(ctx).Order("id ASC").Find(&rules).Error
	return rules, err
}

// Get returns a rule by ID
func (s *RuleService) Get(ctx context.Context, id uint) (*database.AlertRule, error) {
	var rule database.AlertRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

// Create validates and stores a new rule
func (s *RuleService) Create(ctx context.Context, rule *database.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// Update validates and replaces a stored rule. Alerts already raised keep the
// schedule they were created with.
func (s *RuleService) Update(ctx context.Context, rule *database.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, err := s.Get(ctx, rule.ID); err != nil {
		return err
	}
	// Select("*") so nil wildcards and inactive flags are written too.
	err := s.db.WithContext(ctx).Model(rule).Select("*").Omit("created_at").Updates(rule).Error
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	return nil
}

// Delete removes a rule
func (s *RuleService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&database.AlertRule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed upserts rule definitions by name
func (s *RuleService) Seed(ctx context.Context, defs []config.RuleDefinition) error {
	for _, def := range defs {
		rule := RuleFromDefinition(def)

		var existing database.AlertRule
		err := s.db.WithContext(ctx).Where("name = ?", def.Name).First(&existing).Error
		switch {
		case err == nil:
			rule.ID = existing.ID
			if err := s.Update(ctx, rule); err != nil {
				return fmt.Errorf("rule %s: %w", def.Name, err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := s.Create(ctx, rule); err != nil {
				return fmt.Errorf("rule %s: %w", def.Name, err)
			}
			log.Printf("Created alert rule: %s", def.Name)
		default:
			return err
		}
	}
	log.Printf("Alert rules seeded (%d definitions)", len(defs))
	return nil
}

// RuleFromDefinition converts a rules file entry into a rule model
func RuleFromDefinition(def config.RuleDefinition) *database.AlertRule {
	rule := &database.AlertRule{
		Name:            def.Name,
		Description:     def.Description,
		EscalationTimes: database.IntList(def.EscalationTimes),
		Channels:        database.ChannelMap(def.Channels),
		BasePriority:    database.AlertSeverity(def.BasePriority),
		Active:          def.Active == nil || *def.Active,
		Conditions:      database.JSONB(def.Conditions),
	}
	if def.SourceType != "" {
		st := def.SourceType
		rule.SourceType = &st
	}
	if def.AlertType != "" {
		at := def.AlertType
		rule.AlertType = &at
	}
	if rule.BasePriority == "" {
		rule.BasePriority = database.AlertSeverityMedium
	}
	return rule
}
