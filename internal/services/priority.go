package services

import "github.com/rodovia/alertcore/internal/database"

var severityBase = map[database.AlertSeverity]int{
	database.AlertSeverityCritical: 100,
	database.AlertSeverityHigh:     75,
	database.AlertSeverityMedium:   50,
	database.AlertSeverityLow:      25,
}

// Score ranks an alert for triage. Age contributes one point per ten minutes,
// capped at 50; every escalation round adds 20. Unknown severities score as low.
func Score(severity database.AlertSeverity, ageMinutes, escalationLevel int) int {
	base, ok := severityBase[severity]
	if !ok {
		base = severityBase[database.AlertSeverityLow]
	}
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	ageBonus := ageMinutes / 10
	if ageBonus > 50 {
		ageBonus = 50
	}
	return base + ageBonus + escalationLevel*20
}

// PriorityLevel buckets how long a condition has gone unresolved:
// under 15 minutes low, under 30 medium, under 60 high, then critical.
func PriorityLevel(ageMinutes int) database.AlertSeverity {
	switch {
	case ageMinutes < 15:
		return database.AlertSeverityLow
	case ageMinutes < 30:
		return database.AlertSeverityMedium
	case ageMinutes < 60:
		return database.AlertSeverityHigh
	default:
		return database.AlertSeverityCritical
	}
}
