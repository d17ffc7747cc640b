package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rodovia/alertcore/internal/alerts"
)

// WhatsAppAdapter parses WhatsApp Cloud API webhook callbacks. Callbacks are
// not alerts: they carry delivery statuses and operator replies.
type WhatsAppAdapter struct {
	alerts.BaseAdapter
	appSecret string
}

// NewWhatsAppAdapter creates a new callback adapter. When appSecret is set,
// X-Hub-Signature-256 is verified against the raw body.
func NewWhatsAppAdapter(appSecret string) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "whatsapp"},
		appSecret:   appSecret,
	}
}

// WhatsAppCallback is the webhook envelope posted by Meta
type WhatsAppCallback struct {
	Object string          `json:"object"`
	Entry  []WhatsAppEntry `json:"entry"`
}

// WhatsAppEntry is one business account entry
type WhatsAppEntry struct {
	ID      string           `json:"id"`
	Changes []WhatsAppChange `json:"changes"`
}

// WhatsAppChange carries the statuses and messages of one change notification
type WhatsAppChange struct {
	Field string        `json:"field"`
	Value WhatsAppValue `json:"value"`
}

// WhatsAppValue holds the payload of a change
type WhatsAppValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Statuses         []WhatsAppStatus  `json:"statuses"`
	Messages         []WhatsAppMessage `json:"messages"`
}

// WhatsAppStatus is a delivery status for a message we sent
type WhatsAppStatus struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	Errors      []WhatsAppError `json:"errors"`
}

// WhatsAppError describes why a message failed
type WhatsAppError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

// WhatsAppMessage is an inbound message
type WhatsAppMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Context *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context"`
}

// ValidateWebhookSecret checks the Meta payload signature
func (a *WhatsAppAdapter) ValidateWebhookSecret(headers http.Header, body []byte) error {
	if a.appSecret == "" {
		return nil
	}
	signature := strings.TrimPrefix(headers.Get("X-Hub-Signature-256"), "sha256=")
	if signature == "" {
		return alerts.ErrInvalidSecret
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return alerts.ErrInvalidSecret
	}
	mac := hmac.New(sha256.New, []byte(a.appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return alerts.ErrInvalidSecret
	}
	return nil
}

// ParsePayload flattens every status and message in the callback into events
func (a *WhatsAppAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var cb WhatsAppCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to parse whatsapp callback: %w", err)
	}
	if cb.Entry == nil {
		return nil, fmt.Errorf("whatsapp callback has no entry array")
	}

	var events []alerts.NormalizedEvent
	for _, entry := range cb.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					return nil, fmt.Errorf("whatsapp status without id or status")
				}
				events = append(events, a.statusEvent(st))
			}
			for _, msg := range change.Value.Messages {
				if msg.ID == "" {
					return nil, fmt.Errorf("whatsapp message without id")
				}
				events = append(events, a.messageEvent(msg))
			}
		}
	}
	return events, nil
}

func (a *WhatsAppAdapter) statusEvent(st WhatsAppStatus) alerts.NormalizedEvent {
	at := parseUnixTimestamp(st.Timestamp)
	var errText string
	if len(st.Errors) > 0 {
		errText = fmt.Sprintf("%d: %s", st.Errors[0].Code, st.Errors[0].Title)
	}
	return alerts.NormalizedEvent{
		Kind: alerts.EventKindDeliveryStatus,
		// The same wamid reports sent, delivered and read separately.
		ExternalID: fmt.Sprintf("%s:%s", st.ID, st.Status),
		SourceType: a.SourceType,
		SourceID:   st.RecipientID,
		OccurredAt: at,
		Delivery: &alerts.DeliveryUpdate{
			MessageID: st.ID,
			Status:    strings.ToLower(st.Status),
			Recipient: st.RecipientID,
			Error:     errText,
			At:        at,
		},
	}
}

func (a *WhatsAppAdapter) messageEvent(msg WhatsAppMessage) alerts.NormalizedEvent {
	at := parseUnixTimestamp(msg.Timestamp)
	reply := &alerts.InboundReply{
		MessageID: msg.ID,
		From:      msg.From,
		At:        at,
	}
	switch {
	case msg.Text != nil:
		reply.Text = msg.Text.Body
	case msg.Button != nil:
		reply.Text = firstNonEmpty(msg.Button.Payload, msg.Button.Text)
	}
	if msg.Context != nil {
		reply.ContextID = msg.Context.ID
	}
	return alerts.NormalizedEvent{
		Kind:       alerts.EventKindInboundMessage,
		ExternalID: msg.ID,
		SourceType: a.SourceType,
		SourceID:   msg.From,
		OccurredAt: at,
		Reply:      reply,
	}
}

func parseUnixTimestamp(s string) time.Time {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
