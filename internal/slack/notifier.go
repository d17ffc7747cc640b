// Package slack posts alert notifications to Slack channels.
package slack

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/rodovia/alertcore/internal/notify"
)

// ErrChannelNotFound is returned when a channel name matches nothing the bot can see
var ErrChannelNotFound = errors.New("slack channel not found")

// Slack API error codes that retrying will not fix
var permanentCodes = map[string]bool{
	"channel_not_found": true,
	"is_archived":       true,
	"not_in_channel":    true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
	"msg_too_long":      true,
}

// Notifier is the "slack" notification channel. Recipients are channel names or IDs.
type Notifier struct {
	client   *slack.Client
	resolver *ChannelResolver
}

// NewNotifier creates a notifier for a bot token. Options are passed to the
// Slack client (e.g. slack.OptionAPIURL in tests).
func NewNotifier(token string, opts ...slack.Option) *Notifier {
	client := slack.New(token, opts...)
	return &Notifier{
		client:   client,
		resolver: NewChannelResolver(client),
	}
}

// Name returns the channel name used in rules
func (n *Notifier) Name() string {
	return "slack"
}

// Send posts message to the recipient channel and returns the message timestamp
func (n *Notifier) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	channelID, err := n.resolver.ResolveChannel(ctx, recipient)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return "", notify.MarkPermanent(err)
		}
		return "", err
	}

	_, ts, err := n.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(message, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%s:%s", channelID, ts), nil
}

func classify(err error) error {
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) && permanentCodes[apiErr.Err] {
		return notify.MarkPermanent(fmt.Errorf("slack: %w", err))
	}
	return fmt.Errorf("slack: %w", err)
}
