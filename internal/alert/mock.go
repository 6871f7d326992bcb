package alert

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter implements Adapter for testing. It records notified events and
// can be scripted to fail.
type MockAdapter struct {
	mu     sync.Mutex
	closed bool
	events []Event

	// NotifyErr is returned from Notify when set.
	NotifyErr error
}

// NewMockAdapter creates an empty MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// Notify records the event.
func (m *MockAdapter) Notify(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	if m.NotifyErr != nil {
		return m.NotifyErr
	}
	m.events = append(m.events, evt)
	return nil
}

// Close marks the adapter closed.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of all recorded events.
func (m *MockAdapter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// LastEvent returns the most recently recorded event.
// Returns zero value and false when nothing was notified.
func (m *MockAdapter) LastEvent() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false
	}
	return m.events[len(m.events)-1], true
}
