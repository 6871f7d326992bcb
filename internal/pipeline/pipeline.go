// Package pipeline orchestrates one outbound message attempt: line
// resolution, contact policy, credential health, dispatch, persistence, and
// notification, with a bounded retry path through the failover coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/transport"
	"gorm.io/gorm"
)

// ErrSendFailed is the generic failure surfaced after every retry is spent.
// Provider detail is logged, never propagated: the operator only learns the
// message did not go out.
var ErrSendFailed = errors.New("pipeline: message could not be sent")

// ErrNoLineAvailable mirrors the failover exhaustion result for callers that
// only import this package.
var ErrNoLineAvailable = failover.ErrNoLineAvailable

// Payload is the message content to deliver.
type Payload struct {
	Text  string
	Media *transport.Media
}

// RetryPolicy bounds dispatch retries. Backoff is computed, not slept
// inline, so the pipeline's waiting is injectable.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetry retries three times with linear backoff (attempt × 1s).
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	DB        *gorm.DB
	Transport transport.Transport
	Failover  *failover.Coordinator
	Notifier  *push.Notifier // optional
	Policy    Policy         // defaults to DefaultPolicy
	Retry     RetryPolicy    // defaults to DefaultRetry()
	Sleep     func(time.Duration)
	Out       io.Writer // defaults to os.Stdout
}

// Pipeline sends outbound messages for operators.
type Pipeline struct {
	db        *gorm.DB
	transport transport.Transport
	failover  *failover.Coordinator
	notifier  *push.Notifier
	policy    Policy
	retry     RetryPolicy
	sleep     func(time.Duration)
	out       io.Writer
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("pipeline: db is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}
	if opts.Failover == nil {
		return nil, fmt.Errorf("pipeline: failover coordinator is required")
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy{}
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetry()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Pipeline{
		db:        opts.DB,
		transport: opts.Transport,
		failover:  opts.Failover,
		notifier:  opts.Notifier,
		policy:    policy,
		retry:     retry,
		sleep:     sleep,
		out:       out,
	}, nil
}

// Send delivers one outbound message and appends the conversation row on
// success. The row records the line actually used, which may differ from the
// line the operator believed they had: mid-flight reallocation is invisible
// to the caller.
//
// Disconnection does not abort an in-flight send; retries are bounded by the
// attempt counter alone.
func (p *Pipeline) Send(ctx context.Context, operatorID uint, contactPhone string, payload Payload) (*models.Conversation, error) {
	if operatorID == 0 {
		return nil, fmt.Errorf("pipeline: operatorID is required")
	}
	if contactPhone == "" {
		return nil, fmt.Errorf("pipeline: contactPhone is required")
	}
	if payload.Text == "" && payload.Media == nil {
		return nil, fmt.Errorf("pipeline: payload is empty")
	}

	var op models.Operator
	result := p.db.Where("id = ?", operatorID).Find(&op)
	if result.Error != nil {
		return nil, fmt.Errorf("pipeline: load operator %d: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("pipeline: operator %d not found", operatorID)
	}

	line, err := p.resolveLine(&op)
	if err != nil {
		return nil, err
	}

	if err := p.policy.CheckContact(p.db, operatorID, contactPhone); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		line, err = p.ensureHealthy(ctx, &op, line)
		if err != nil {
			return nil, err
		}

		if err := p.dispatch(ctx, line, contactPhone, payload); err != nil {
			// Provider detail stays in the log; the caller gets a generic
			// failure after the last attempt.
			log.Printf("pipeline: attempt %d/%d for operator %d via line %d: %v",
				attempt, p.retry.MaxAttempts, operatorID, line.ID, err)
			if attempt < p.retry.MaxAttempts {
				p.sleep(p.retry.Backoff(attempt))
			}
			continue
		}

		conv, err := p.persist(&op, line, contactPhone)
		if err != nil {
			return nil, err
		}
		p.notify(&op, conv)
		fmt.Fprintf(p.out, "pipeline: operator %d → %s via line %d\n", operatorID, contactPhone, line.ID)
		return conv, nil
	}

	return nil, ErrSendFailed
}

// resolveLine returns the operator's current line, provisioning one when the
// operator is unbound. Auto-provisioning exists only on the outbound path.
func (p *Pipeline) resolveLine(op *models.Operator) (*models.Line, error) {
	line, err := allocator.CurrentLine(p.db, op.ID)
	if err != nil {
		return nil, err
	}
	if line != nil {
		return line, nil
	}
	line, err = p.failover.Reallocate(op.ID, op.Segment, 0)
	if err != nil {
		return nil, err
	}
	return line, nil
}

// ensureHealthy checks the line's credentials and activity right before
// dispatch, reallocating transparently when they fail. At most one
// reallocation happens per attempt.
func (p *Pipeline) ensureHealthy(ctx context.Context, op *models.Operator, line *models.Line) (*models.Line, error) {
	healthy := line.Status == models.LineActive &&
		p.transport.ValidateCredentials(ctx, transport.Credentials{Ref: line.CredentialRef})
	if healthy {
		// The binding transaction is long gone; re-read status so a ban
		// committed since then is seen before dispatch.
		var current models.Line
		result := p.db.Where("id = ?", line.ID).Find(&current)
		if result.Error != nil {
			return nil, fmt.Errorf("pipeline: recheck line %d: %w", line.ID, result.Error)
		}
		if result.RowsAffected > 0 && current.Status == models.LineActive {
			return &current, nil
		}
	}

	log.Printf("pipeline: line %d unhealthy for operator %d, reallocating", line.ID, op.ID)
	newLine, err := p.failover.Reallocate(op.ID, op.Segment, line.ID)
	if err != nil {
		return nil, err
	}
	return newLine, nil
}

func (p *Pipeline) dispatch(ctx context.Context, line *models.Line, contactPhone string, payload Payload) error {
	creds := transport.Credentials{Ref: line.CredentialRef}
	if payload.Media != nil {
		return p.transport.SendMedia(ctx, creds, contactPhone, *payload.Media)
	}
	return p.transport.SendText(ctx, creds, contactPhone, payload.Text)
}

func (p *Pipeline) persist(op *models.Operator, line *models.Line, contactPhone string) (*models.Conversation, error) {
	conv := models.Conversation{
		ContactPhone: contactPhone,
		OperatorID:   &op.ID,
		LineID:       &line.ID,
		Segment:      op.Segment,
	}
	if err := p.db.Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("pipeline: persist conversation: %w", err)
	}
	return &conv, nil
}

func (p *Pipeline) notify(op *models.Operator, conv *models.Conversation) {
	if p.notifier == nil {
		return
	}
	payload := map[string]any{
		"conversation_id": conv.ID,
		"contact":         conv.ContactPhone,
		"operator_id":     op.ID,
	}
	p.notifier.DeliverToUser(op.ID, push.EventMessageSent, payload)
	p.notifier.NotifySupervisors(p.db, op.Segment, push.EventMessageSent, payload)
}
