package discord

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/centrodesk/lineup/internal/alert"
)

type mockSession struct {
	mu      sync.Mutex
	embeds  []*discordgo.MessageEmbed
	sendErr error
	closed  bool
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{}, nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(AdapterOpts{ChannelID: "C1"}); err == nil {
		t.Fatal("expected error without token or session")
	}
	if _, err := New(AdapterOpts{Session: &mockSession{}}); err == nil {
		t.Fatal("expected error without channel ID")
	}
	if _, err := New(AdapterOpts{Session: &mockSession{}, ChannelID: "C1"}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	a, err := New(AdapterOpts{Session: sess, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	evt := alert.OperatorWaiting("alice", 2)
	evt.Color = alert.ColorWarning
	if err := a.Notify(context.Background(), evt); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(sess.embeds))
	}
	embed := sess.embeds[0]
	if embed.Title != evt.Title {
		t.Fatalf("title = %q, want %q", embed.Title, evt.Title)
	}
	if embed.Color != parseHexColor(alert.ColorWarning) {
		t.Fatalf("color = %d, want %d", embed.Color, parseHexColor(alert.ColorWarning))
	}
	if len(embed.Fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(embed.Fields))
	}
}

func TestNotify_SurfacesAPIError(t *testing.T) {
	sess := &mockSession{sendErr: errors.New("missing access")}
	a, err := New(AdapterOpts{Session: sess, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Notify(context.Background(), alert.Event{Title: "x"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestClose_ShutsDownSession(t *testing.T) {
	sess := &mockSession{}
	a, err := New(AdapterOpts{Session: sess, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.closed {
		t.Fatal("session should be closed")
	}
	if err := a.Notify(context.Background(), alert.Event{Title: "x"}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestParseHexColor(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"2196f3", 0x2196f3},
		{"", 0},
		{"nothex", 0},
	}
	for _, tc := range cases {
		if got := parseHexColor(tc.in); got != tc.want {
			t.Errorf("parseHexColor(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
