// Package ops posts operational state changes to a Slack channel so the
// on-call engineer hears about degraded invalidation before a customer
// reports stale configuration.
package ops

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to a Slack channel. With no bot token it is a
// noop that only logs.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty the notifier is
// disabled.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// ListenerDegraded reports that the invalidation subscription has been
// down long enough that tenants may be served stale configuration.
func (n *Notifier) ListenerDegraded(ctx context.Context, channel string, since time.Time, lastErr error) {
	text := fmt.Sprintf(":warning: invalidation listener on %q down since %s, serving possibly stale tenant configuration (last error: %v)",
		channel, since.Format(time.RFC3339), lastErr)
	n.post(ctx, text)
}

// ListenerRecovered reports that the invalidation subscription is back.
func (n *Notifier) ListenerRecovered(ctx context.Context, channel string) {
	n.post(ctx, fmt.Sprintf(":white_check_mark: invalidation listener on %q recovered", channel))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "text", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
	); err != nil {
		n.logger.Error("posting to slack", "error", err, "channel", n.channel)
		return
	}
	n.logger.Info("posted to slack", "channel", n.channel)
}
