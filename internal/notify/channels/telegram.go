package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/notify"
)

// Telegram sends notifications through the Bot API. Recipients are chat ids
// or @channel usernames.
type Telegram struct {
	client *bot.Bot
}

// NewTelegram creates the "telegram" channel
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.APIBase != "" {
		opts = append(opts, bot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	client, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{client: client}, nil
}

// Name returns the channel name used in rules
func (t *Telegram) Name() string {
	return "telegram"
}

// Send posts message to the chat and returns "chat:message_id"
func (t *Telegram) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	sent, err := t.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID(recipient),
		Text:   message,
	})
	if err != nil {
		if errors.Is(err, bot.ErrorForbidden) || errors.Is(err, bot.ErrorBadRequest) ||
			errors.Is(err, bot.ErrorUnauthorized) || errors.Is(err, bot.ErrorNotFound) {
			return "", notify.MarkPermanent(fmt.Errorf("telegram send: %w", err))
		}
		return "", fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return "", errors.New("telegram send returned empty message id")
	}
	return fmt.Sprintf("%s:%d", recipient, sent.ID), nil
}

// chatID keeps numeric ids numeric, as the Bot API expects
func chatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	return trimmed
}
