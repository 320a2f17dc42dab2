package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// slackPoster is the part of *slack.Client the notifier uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts the report table to a channel.
type SlackNotifier struct {
	api     slackPoster
	channel string
}

func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token), channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, r Report) error {
	message := fmt.Sprintf("*%s*\n```\n%s```", r.Subject, r.Table)
	if _, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(message, false)); err != nil {
		return fmt.Errorf("failed to post report: %w", err)
	}
	return nil
}
