package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk definition of alert rules and the recipient directory.
//
//	rules:
//	  - name: cot-device-failure
//	    source_type: cot
//	    alert_type: device_failure
//	    escalation_times: [0, 15, 60]
//	    channels: {0: [email], 1: [whatsapp], 2: [telegram]}
//	    base_priority: high
//	recipients:
//	  email:
//	    default: [cco@example.com]
//	    rounds: {2: [supervisor@example.com]}
type RulesFile struct {
	Rules      []RuleDefinition              `yaml:"rules"`
	Recipients map[string]RecipientsByRound `yaml:"recipients"`
}

// RuleDefinition is one rule as written in the rules file
type RuleDefinition struct {
	Name            string                 `yaml:"name"`
	Description     string                 `yaml:"description"`
	SourceType      string                 `yaml:"source_type"`
	AlertType       string                 `yaml:"alert_type"`
	EscalationTimes []int                  `yaml:"escalation_times"`
	Channels        map[int][]string       `yaml:"channels"`
	BasePriority    string                 `yaml:"base_priority"`
	Active          *bool                  `yaml:"active"`
	Conditions      map[string]interface{} `yaml:"conditions"`
}

// RecipientsByRound lists who a channel reaches, optionally overridden per round
type RecipientsByRound struct {
	Default []string         `yaml:"default"`
	Rounds  map[int][]string `yaml:"rounds"`
}

// LoadRulesFile parses the YAML rules file at path
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRulesFile(data)
}

// ParseRulesFile parses rules file contents
func ParseRulesFile(data []byte) (*RulesFile, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	seen := make(map[string]bool, len(file.Rules))
	for i, r := range file.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &file, nil
}
