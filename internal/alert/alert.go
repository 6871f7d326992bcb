// Package alert fans routing incidents out to chat platforms (Slack,
// Discord, etc.) so supervisors hear about line trouble without watching the
// dashboard.
package alert

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// EventType identifies a class of alert.
type EventType string

const (
	EventLineBanned      EventType = "line_banned"
	EventOperatorWaiting EventType = "operator_waiting"
	EventSendFailure     EventType = "send_failure"
	EventDailyDigest     EventType = "daily_digest"
)

// Sidebar color hints shared by all adapters.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Event is an alert formatted for display in chat.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Title     string // headline (e.g. "Line 5511987654321 banned")
	Body      string // detail text
	Severity  string // "info", "warning", "error", "success"
	Color     string // sidebar color hint
	Fields    []Field
}

// Field is a key-value pair displayed alongside an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// SeverityColor maps a severity to its sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Adapter is the interface platform-specific implementations satisfy. Alerts
// are one-way; adapters only post.
type Adapter interface {
	// Notify delivers the event to the platform.
	Notify(ctx context.Context, evt Event) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Notifier fans one event out to every configured adapter.
type Notifier struct {
	adapters []Adapter
	out      io.Writer
}

// NewNotifier creates a Notifier over the given adapters. An empty adapter
// list is valid; Broadcast becomes a no-op.
func NewNotifier(out io.Writer, adapters ...Adapter) *Notifier {
	if out == nil {
		out = os.Stdout
	}
	return &Notifier{adapters: adapters, out: out}
}

// Broadcast sends the event to all adapters. One adapter failing does not
// stop the others; failures are logged and counted in the error.
func (n *Notifier) Broadcast(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Color == "" {
		evt.Color = SeverityColor(evt.Severity)
	}

	failed := 0
	for _, a := range n.adapters {
		if err := a.Notify(ctx, evt); err != nil {
			failed++
			log.Printf("alert: broadcast %s: %v", evt.Type, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("alert: %d of %d adapters failed for %s", failed, len(n.adapters), evt.Type)
	}
	return nil
}

// Close shuts down every adapter. The first error is returned; later
// adapters still get closed.
func (n *Notifier) Close() error {
	var first error
	for _, a := range n.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LineBanned builds the alert for a line taken out of rotation.
func LineBanned(phoneNumber string, affectedOperators int) Event {
	return Event{
		Type:     EventLineBanned,
		Title:    fmt.Sprintf("Line %s banned", phoneNumber),
		Body:     fmt.Sprintf("%d operator(s) were reallocated or queued.", affectedOperators),
		Severity: "error",
		Fields: []Field{
			{Name: "Line", Value: phoneNumber, Short: true},
			{Name: "Operators", Value: fmt.Sprintf("%d", affectedOperators), Short: true},
		},
	}
}

// OperatorWaiting builds the alert for an operator left without a line.
func OperatorWaiting(operatorName string, segment int) Event {
	return Event{
		Type:     EventOperatorWaiting,
		Title:    fmt.Sprintf("Operator %s waiting for a line", operatorName),
		Body:     fmt.Sprintf("No active line with a free slot in segment %d.", segment),
		Severity: "warning",
		Fields: []Field{
			{Name: "Operator", Value: operatorName, Short: true},
			{Name: "Segment", Value: fmt.Sprintf("%d", segment), Short: true},
		},
	}
}

// SendFailure builds the alert for a message that exhausted its retries.
func SendFailure(operatorName, contactPhone string) Event {
	return Event{
		Type:     EventSendFailure,
		Title:    "Outbound message failed",
		Body:     fmt.Sprintf("Message from %s to %s exhausted all attempts.", operatorName, contactPhone),
		Severity: "error",
		Fields: []Field{
			{Name: "Operator", Value: operatorName, Short: true},
			{Name: "Contact", Value: contactPhone, Short: true},
		},
	}
}
