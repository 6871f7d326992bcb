package transport

import (
	"context"
	"sync"
)

// SentMessage records one dispatch through the mock.
type SentMessage struct {
	Creds Credentials
	To    string
	Text  string
	Media *Media
}

// Mock implements Transport for tests. Failure behavior is scripted per
// credential ref.
type Mock struct {
	mu       sync.Mutex
	attempts int

	Sent []SentMessage

	// InvalidCreds marks credential refs that fail validation.
	InvalidCreds map[string]bool
	// FailSends makes the next N sends (any credentials) return SendErr.
	FailSends int
	// SendErr is returned for scripted failures; defaults to ErrMockSend.
	SendErr error
}

// ErrMockSend is the default scripted send failure.
var ErrMockSend = errSentinel("transport: mock send failure")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{InvalidCreds: make(map[string]bool)}
}

func (m *Mock) SendText(ctx context.Context, creds Credentials, to, text string) error {
	return m.record(SentMessage{Creds: creds, To: to, Text: text})
}

func (m *Mock) SendMedia(ctx context.Context, creds Credentials, to string, media Media) error {
	mcopy := media
	return m.record(SentMessage{Creds: creds, To: to, Text: media.Caption, Media: &mcopy})
}

func (m *Mock) ValidateCredentials(ctx context.Context, creds Credentials) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.InvalidCreds[creds.Ref]
}

// Attempts returns how many dispatches were made, failed ones included.
func (m *Mock) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Mock) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.FailSends > 0 {
		m.FailSends--
		if m.SendErr != nil {
			return m.SendErr
		}
		return ErrMockSend
	}
	m.Sent = append(m.Sent, msg)
	return nil
}
