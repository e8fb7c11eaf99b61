// Package notify posts operational notifications about backends to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends backend notifications to a Slack channel. If no bot token
// is configured the notifier is a noop.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// does nothing.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier will actually post.
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.client != nil && n.channel != ""
}

// BackendFailed posts a notification that a backend exited abnormally.
// Failures are logged and swallowed; notifications never affect the
// status-update path.
func (n *Notifier) BackendFailed(ctx context.Context, backendID, cluster string, exitCode int32) {
	if !n.IsEnabled() {
		return
	}

	text := fmt.Sprintf(":warning: backend `%s` in cluster `%s` terminated with exit code %d", backendID, cluster, exitCode)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Warn("posting backend failure to slack", "error", err, "backend_id", backendID)
		return
	}
	n.logger.Info("posted backend failure to slack", "backend_id", backendID, "exit_code", exitCode)
}
