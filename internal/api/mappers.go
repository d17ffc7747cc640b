package api

import (
	"time"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/services"
)

// AlertToResponse scores an alert as of now.
func AlertToResponse(a database.Alert, now time.Time) AlertResponse {
	age := a.AgeMinutes(now)
	return AlertResponse{
		Alert:         a,
		AgeMinutes:    age,
		PriorityScore: services.Score(a.Severity, age, a.EscalationLevel),
		PriorityLevel: services.PriorityLevel(age),
	}
}

// AlertsToResponses maps a page of alerts.
func AlertsToResponses(list []database.Alert, now time.Time) []AlertResponse {
	out := make([]AlertResponse, len(list))
	for i, a := range list {
		out[i] = AlertToResponse(a, now)
	}
	return out
}

// DeviceAlertsToResponses maps a page of device alerts.
func DeviceAlertsToResponses(list []database.DeviceAlert, now time.Time) []DeviceAlertResponse {
	out := make([]DeviceAlertResponse, len(list))
	for i := range list {
		age := list[i].AgeMinutes(now)
		out[i] = DeviceAlertResponse{
			DeviceAlert: list[i],
			AgeMinutes:  age,
			Level:       services.PriorityLevel(age),
		}
	}
	return out
}

// RuleFromRequest builds the rule model a request describes.
func RuleFromRequest(req RuleRequest) *database.AlertRule {
	active := req.Active == nil || *req.Active
	var conditions database.JSONB
	if len(req.Conditions) > 0 {
		conditions = database.JSONB(req.Conditions)
	}
	rule := &database.AlertRule{
		Name:            req.Name,
		Description:     req.Description,
		EscalationTimes: database.IntList(req.EscalationTimes),
		Channels:        database.ChannelMap(req.Channels),
		BasePriority:    database.AlertSeverity(req.BasePriority),
		Active:          active,
		Conditions:      conditions,
	}
	if req.SourceType != "" {
		st := req.SourceType
		rule.SourceType = &st
	}
	if req.AlertType != "" {
		at := req.AlertType
		rule.AlertType = &at
	}
	if rule.BasePriority == "" {
		rule.BasePriority = database.AlertSeverityMedium
	}
	return rule
}

// WebhookLogsToListItems drops the payload fields from envelopes.
func WebhookLogsToListItems(list []database.WebhookLog) []WebhookLogListItem {
	items := make([]WebhookLogListItem, len(list))
	for i, env := range list {
		items[i] = WebhookLogListItem{
			ID:           env.ID,
			UUID:         env.UUID,
			Source:       env.Source,
			DedupKey:     env.DedupKey,
			Status:       env.Status,
			ErrorMessage: env.ErrorMessage,
			Attempts:     env.Attempts,
			AlertID:      env.AlertID,
			CreatedAt:    env.CreatedAt,
			UpdatedAt:    env.UpdatedAt,
		}
	}
	return items
}
