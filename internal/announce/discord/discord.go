// Package discord relays broadcasts to a Discord channel over the REST API.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/axismundi/amallo/internal/announce"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a 429.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second

	embedColor = 0x7c3aed
)

// sender abstracts the discordgo.Session method we use, enabling test mocks.
type sender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts broadcasts to one Discord channel.
type Announcer struct {
	sess        sender
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Announcer.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session sender
}

// New creates a Discord Announcer. No gateway connection is opened; messages
// go out over REST.
func New(opts Opts) (*Announcer, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Announcer{
		sess:        sess,
		channelID:   opts.ChannelID,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

func (a *Announcer) Name() string { return "discord" }

// Announce posts ann as an embed.
func (a *Announcer) Announce(ctx context.Context, ann announce.Announcement) error {
	embed := buildEmbed(ann)
	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendEmbed(a.channelID, embed, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

func buildEmbed(ann announce.Announcement) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ann.Title(),
		Description: ann.Text,
		Color:       embedColor,
	}
	if !ann.At.IsZero() {
		embed.Timestamp = ann.At.UTC().Format(time.RFC3339)
	}
	return embed
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Announcer) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
