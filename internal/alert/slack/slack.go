// Package slack implements the alert Adapter for Slack using the Web API.
package slack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/centrodesk/lineup/internal/alert"
	slackapi "github.com/slack-go/slack"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Adapter implements alert.Adapter for Slack. Alerts only post; there is no
// inbound listening.
type Adapter struct {
	client    slackClient
	botToken  string
	channelID string
	mu        sync.Mutex
	closed    bool
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // channel to post alerts to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel ID is required")
	}

	a := &Adapter{
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
	}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.BotToken)
	}
	return a, nil
}

// Notify posts the event to the configured channel as an attachment.
func (a *Adapter) Notify(ctx context.Context, evt alert.Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("slack: adapter already closed")
	}
	client := a.client
	a.mu.Unlock()

	options := []slackapi.MsgOption{
		slackapi.MsgOptionAttachments(eventToAttachment(evt)),
		slackapi.MsgOptionText(evt.Title, false),
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := client.PostMessage(a.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close marks the adapter closed. The Web API client holds no connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// eventToAttachment converts an alert event to a Slack attachment.
func eventToAttachment(evt alert.Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit retries the call when Slack returns a rate limit error,
// honoring the advertised retry-after delay.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		rateErr, ok := err.(*slackapi.RateLimitedError)
		if !ok {
			return err
		}
		wait := rateErr.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
