package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/services"
	"github.com/rodovia/alertcore/internal/utils"
)

// DefaultSubjectTemplate and DefaultBodyTemplate render alert notifications
const (
	DefaultSubjectTemplate = `{{.Emoji}} [{{upper .Severity}}] {{.Title}}`
	DefaultBodyTemplate    = `{{.Emoji}} [{{upper .Severity}}] {{.Title}}
Source: {{.SourceType}}/{{.SourceID}} ({{.AlertType}})
Open for {{age .AgeMinutes}}, escalation round {{.Round}}, priority {{.Score}}
{{- if .Description}}
{{truncate .Description 280}}
{{- end}}
Reply ACK to acknowledge. Ref {{.UUID}}`
)

// MessageData is what notification templates can reference
type MessageData struct {
	UUID        string
	Title       string
	Description string
	Severity    database.AlertSeverity
	Emoji       string
	SourceType  string
	SourceID    string
	AlertType   string
	Round       int
	AgeMinutes  int
	Score       int
}

// Renderer turns an alert and round into a subject line and message body
type Renderer struct {
	subject *template.Template
	body    *template.Template
}

var templateFuncs = template.FuncMap{
	"upper":    func(v interface{}) string { return strings.ToUpper(fmt.Sprint(v)) },
	"age":      utils.FormatAge,
	"truncate": utils.TruncateText,
}

// NewRenderer parses the templates; empty strings select the defaults
func NewRenderer(subjectText, bodyText string) (*Renderer, error) {
	if subjectText == "" {
		subjectText = DefaultSubjectTemplate
	}
	if bodyText == "" {
		bodyText = DefaultBodyTemplate
	}
	subject, err := template.New("subject").Funcs(templateFuncs).Parse(subjectText)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := template.New("body").Funcs(templateFuncs).Parse(bodyText)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{subject: subject, body: body}, nil
}

// Render builds the message for one round of an alert
func (r *Renderer) Render(alert *database.Alert, round int, now time.Time) (subject, body string, err error) {
	age := alert.AgeMinutes(now)
	data := MessageData{
		UUID:        alert.UUID,
		Title:       alert.Title,
		Description: alert.Description,
		Severity:    alert.Severity,
		Emoji:       database.GetSeverityEmoji(alert.Severity),
		SourceType:  alert.SourceType,
		SourceID:    alert.SourceID,
		AlertType:   alert.AlertType,
		Round:       round,
		AgeMinutes:  age,
		Score:       services.Score(alert.Severity, age, alert.EscalationLevel),
	}

	var buf bytes.Buffer
	if err := r.subject.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := r.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject, buf.String(), nil
}
