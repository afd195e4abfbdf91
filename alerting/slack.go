package alerting

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackChannel posts alerts to a Slack channel via a bot token.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel creates a Channel that posts to the given Slack channel ID
// using token (a Slack bot token, e.g. "xoxb-...").
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(token),
		channelID: channelID,
	}
}

// Name identifies this channel for logging.
func (s *SlackChannel) Name() string {
	return "slack"
}

// Deliver posts the event as a Slack message.
func (s *SlackChannel) Deliver(ctx context.Context, e Event) error {
	text := fmt.Sprintf(":warning: batchq %s on queue %q (count=%d): %s", e.Kind, e.Queue, e.Count, e.Message)

	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false))
	return err
}
