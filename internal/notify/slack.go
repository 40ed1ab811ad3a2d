package notify

import (
	"context"
	"fmt"

	slacklib "github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of the Slack client used by SlackNotifier.
// This allows testing without real HTTP calls.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackNotifier posts deployment notifications to a fixed Slack channel.
type SlackNotifier struct {
	api     SlackAPI
	channel string
}

// Compile-time interface check.
var _ Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(api SlackAPI, channel string) *SlackNotifier {
	return &SlackNotifier{api: api, channel: channel}
}

// NewSlackNotifierFromToken builds a notifier with a real Slack client.
func NewSlackNotifierFromToken(token, channel string) *SlackNotifier {
	return NewSlackNotifier(slacklib.New(token), channel)
}

func (n *SlackNotifier) Send(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slacklib.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify.SlackNotifier.Send: %w", err)
	}
	return nil
}

func (n *SlackNotifier) Platform() string {
	return "slack"
}
