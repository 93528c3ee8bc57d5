// Package slack relays broadcasts to a Slack channel with a bot token.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/axismundi/amallo/internal/announce"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// poster abstracts the Slack API method we use, enabling test mocks.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Announcer posts broadcasts to one Slack channel.
type Announcer struct {
	client    poster
	channelID string
}

// Opts holds parameters for creating a Slack Announcer.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client poster
}

// New creates a Slack Announcer.
func New(opts Opts) (*Announcer, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Announcer{client: client, channelID: opts.ChannelID}, nil
}

func (a *Announcer) Name() string { return "slack" }

// Announce posts a as an attachment with a plain-text fallback.
func (a *Announcer) Announce(ctx context.Context, ann announce.Announcement) error {
	options := buildMessageOptions(ann)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessageContext(ctx, a.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func buildMessageOptions(ann announce.Announcement) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    ann.Title(),
		Text:     ann.Text,
		Color:    "#7c3aed",
		Fallback: ann.Title(),
	}
	if !ann.At.IsZero() {
		att.Footer = ann.At.UTC().Format(time.RFC3339)
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(ann.Text, false),
		slackapi.MsgOptionAttachments(att),
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
