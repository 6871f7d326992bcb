package slack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/centrodesk/lineup/internal/alert"
	slackapi "github.com/slack-go/slack"
)

type mockClient struct {
	mu       sync.Mutex
	posts    []string // channel IDs
	postErrs []error  // consumed in order; nil slice means always succeed
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, channelID)
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		return "", "", err
	}
	return channelID, "123.456", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(AdapterOpts{ChannelID: "C1"}); err == nil {
		t.Fatal("expected error without token or client")
	}
	if _, err := New(AdapterOpts{Client: &mockClient{}}); err == nil {
		t.Fatal("expected error without channel ID")
	}
	if _, err := New(AdapterOpts{Client: &mockClient{}, ChannelID: "C1"}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestNotify_PostsToChannel(t *testing.T) {
	client := &mockClient{}
	a, err := New(AdapterOpts{Client: client, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	evt := alert.LineBanned("5511987654321", 1)
	if err := a.Notify(context.Background(), evt); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(client.posts) != 1 || client.posts[0] != "C1" {
		t.Fatalf("posts = %v, want one post to C1", client.posts)
	}
}

func TestNotify_RetriesOnRateLimit(t *testing.T) {
	client := &mockClient{
		postErrs: []error{&slackapi.RateLimitedError{RetryAfter: 0}},
	}
	a, err := New(AdapterOpts{Client: client, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Notify(context.Background(), alert.Event{Title: "x"}); err != nil {
		t.Fatalf("Notify after rate limit: %v", err)
	}
	if len(client.posts) != 2 {
		t.Fatalf("posts = %d, want 2 (rate-limited then retried)", len(client.posts))
	}
}

func TestNotify_SurfacesAPIError(t *testing.T) {
	client := &mockClient{postErrs: []error{errors.New("channel_not_found")}}
	a, err := New(AdapterOpts{Client: client, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Notify(context.Background(), alert.Event{Title: "x"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNotify_AfterClose(t *testing.T) {
	a, err := New(AdapterOpts{Client: &mockClient{}, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Notify(context.Background(), alert.Event{Title: "x"}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestEventToAttachment(t *testing.T) {
	evt := alert.Event{
		Title:    "Line banned",
		Body:     "details",
		Color:    alert.ColorError,
		Fields:   []alert.Field{{Name: "Line", Value: "5511987654321", Short: true}},
		Severity: "error",
	}
	att := eventToAttachment(evt)
	if att.Title != evt.Title || att.Text != evt.Body || att.Color != evt.Color {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Line" {
		t.Fatalf("unexpected fields: %+v", att.Fields)
	}
}
