package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// severityColors maps message severity to Slack attachment sidebar colors.
var severityColors = map[string]string{
	SeverityInfo:    "#439fe0",
	SeverityError:   "#d00000",
	SeveritySuccess: "#36a64f",
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts release notifications to a Slack channel.
type Slack struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	Token   string
	Channel string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("notify: slack token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.Token)
	}
	return &Slack{client: client, channelID: opts.Channel}, nil
}

// Name identifies the adapter in logs.
func (s *Slack) Name() string { return "slack" }

// Send posts the message as an attachment with a severity color.
func (s *Slack) Send(ctx context.Context, msg Message) error {
	attachment := slackapi.Attachment{
		Title: msg.Title,
		Text:  msg.Body,
		Color: severityColors[msg.Severity],
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("notify: slack post message: %w", err)
	}
	return nil
}
