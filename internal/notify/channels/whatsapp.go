package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/notify"
)

// WhatsApp sends text messages through the WhatsApp Cloud API. The returned
// message id (wamid) is what status callbacks refer to.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	client *http.Client
}

// NewWhatsApp creates the "whatsapp" channel
func NewWhatsApp(cfg config.WhatsAppConfig) *WhatsApp {
	return &WhatsApp{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the channel name used in rules
func (w *WhatsApp) Name() string {
	return "whatsapp"
}

type waTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts message to the recipient's phone number. Client errors other than
// rate limiting are permanent.
func (w *WhatsApp) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	payload := waTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(recipient, "+"),
		Type:             "text",
	}
	payload.Text.Body = message

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode whatsapp message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read whatsapp response: %w", err)
	}
	var parsed waResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := strings.TrimSpace(string(raw))
		if parsed.Error != nil {
			reason = fmt.Sprintf("%s (code %d)", parsed.Error.Message, parsed.Error.Code)
		}
		err := fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, reason)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", notify.MarkPermanent(err)
		}
		return "", err
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", errors.New("whatsapp send: response carried no message id")
	}
	return parsed.Messages[0].ID, nil
}
