// Package router decides which operator receives an inbound contact message:
// sticky to the conversation's existing owner, otherwise load-balanced over
// the segment's online operators.
package router

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/presence"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/queue"
	"gorm.io/gorm"
)

// Opts holds parameters for creating a Router.
type Opts struct {
	DB       *gorm.DB
	Registry *presence.Registry
	Notifier *push.Notifier // optional; used when draining queued messages
	// BusyThreshold is the open-conversation count at which an operator is
	// deprioritized (never excluded).
	BusyThreshold int
	// DrainBatch caps messages replayed per connection event.
	DrainBatch int
	Out        io.Writer // defaults to os.Stdout
}

// Router routes inbound messages to operators.
type Router struct {
	db            *gorm.DB
	reg           *presence.Registry
	notifier      *push.Notifier
	busyThreshold int
	drainBatch    int
	out           io.Writer
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("router: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("router: presence registry is required")
	}
	busy := opts.BusyThreshold
	if busy <= 0 {
		busy = 5
	}
	batch := opts.DrainBatch
	if batch <= 0 {
		batch = 20
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		db:            opts.DB,
		reg:           opts.Registry,
		notifier:      opts.Notifier,
		busyThreshold: busy,
		drainBatch:    batch,
		out:           out,
	}, nil
}

// RouteInbound picks the operator who should receive a message from
// contactPhone arriving on lineID. Returns (0, nil) when nobody is online
// for the segment; the caller queues the message durably.
//
// An existing conversation never silently moves operators: the sticky owner
// wins whenever they are online and still serving the contact's segment.
func (r *Router) RouteInbound(lineID uint, contactPhone string) (uint, error) {
	if lineID == 0 {
		return 0, fmt.Errorf("router: lineID is required")
	}
	if contactPhone == "" {
		return 0, fmt.Errorf("router: contactPhone is required")
	}

	var line models.Line
	result := r.db.Where("id = ?", lineID).Find(&line)
	if result.Error != nil {
		return 0, fmt.Errorf("router: load line %d: %w", lineID, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("router: line %d not found", lineID)
	}
	segment := 0
	if line.Segment != nil {
		segment = *line.Segment
	}

	if owner, ok, err := r.stickyOwner(contactPhone, segment); err != nil {
		return 0, err
	} else if ok {
		fmt.Fprintf(r.out, "router: %s → operator %d (sticky)\n", contactPhone, owner)
		return owner, nil
	}

	owner, ok, err := r.pickBySegmentLoad(segment)
	if err != nil {
		return 0, err
	}
	if !ok {
		fmt.Fprintf(r.out, "router: %s → none online in segment %d\n", contactPhone, segment)
		return 0, nil
	}
	fmt.Fprintf(r.out, "router: %s → operator %d (load)\n", contactPhone, owner)
	return owner, nil
}

// stickyOwner resolves rule 1: the most recent untabulated conversation row
// for the contact addresses the active conversation. Its owner wins when
// online and bound to a line serving the contact's segment.
func (r *Router) stickyOwner(contactPhone string, segment int) (uint, bool, error) {
	var conv models.Conversation
	// Must observe the most recently committed row, hence the fresh read
	// here rather than any cached view.
	result := r.db.Where("contact_phone = ? AND tabulation_id IS NULL", contactPhone).
		Order("created_at DESC, id DESC").Limit(1).Find(&conv)
	if result.Error != nil {
		return 0, false, fmt.Errorf("router: active conversation for %s: %w", contactPhone, result.Error)
	}
	if result.RowsAffected == 0 || conv.OperatorID == nil {
		return 0, false, nil
	}
	ownerID := *conv.OperatorID

	if !r.reg.Online(ownerID) {
		return 0, false, nil
	}
	ownerLine, err := allocator.CurrentLine(r.db, ownerID)
	if err != nil {
		return 0, false, err
	}
	if ownerLine == nil || ownerLine.Segment == nil || *ownerLine.Segment != segment {
		return 0, false, nil
	}
	return ownerID, true, nil
}

// candidate is one online operator considered for load-balanced routing.
type candidate struct {
	id          uint
	open        int
	onlineSince time.Time
}

// pickBySegmentLoad resolves rule 2: fewest open conversations wins, ties
// broken toward the longest continuous online duration. Operators at or
// above the busy threshold are deprioritized; when everyone is busy the
// longest-online operator takes the message regardless of load.
func (r *Router) pickBySegmentLoad(segment int) (uint, bool, error) {
	var operators []models.Operator
	if err := r.db.Where("segment = ? AND role = ?", segment, models.RoleOperator).
		Find(&operators).Error; err != nil {
		return 0, false, fmt.Errorf("router: operators in segment %d: %w", segment, err)
	}

	var candidates []candidate
	for _, op := range operators {
		since, ok := r.reg.OnlineSince(op.ID)
		if !ok {
			continue
		}
		var open int64
		if err := r.db.Model(&models.Conversation{}).
			Where("operator_id = ? AND tabulation_id IS NULL", op.ID).
			Count(&open).Error; err != nil {
			return 0, false, fmt.Errorf("router: open conversations for operator %d: %w", op.ID, err)
		}
		candidates = append(candidates, candidate{id: op.ID, open: int(open), onlineSince: since})
	}
	if len(candidates) == 0 {
		return 0, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		iBusy, jBusy := ci.open >= r.busyThreshold, cj.open >= r.busyThreshold
		if iBusy != jBusy {
			return !iBusy
		}
		if iBusy {
			// Everyone at the threshold: seniority only.
			return ci.onlineSince.Before(cj.onlineSince)
		}
		if ci.open != cj.open {
			return ci.open < cj.open
		}
		return ci.onlineSince.Before(cj.onlineSince)
	})
	return candidates[0].id, true, nil
}

// DrainPending replays queued messages for an operator's segment, oldest
// first, capped per batch. Runs in the connection-establishment path; there
// is no scheduler behind it.
func (r *Router) DrainPending(operatorID uint) (int, error) {
	if operatorID == 0 {
		return 0, fmt.Errorf("router: operatorID is required")
	}

	var op models.Operator
	result := r.db.Where("id = ?", operatorID).Find(&op)
	if result.Error != nil {
		return 0, fmt.Errorf("router: load operator %d: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("router: operator %d not found", operatorID)
	}

	msgs, err := queue.Drain(r.db, op.Segment, r.drainBatch)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, m := range msgs {
		target, err := r.RouteInbound(m.LineID, m.ContactPhone)
		if err != nil || target == 0 {
			// Routing moved on (line deleted, everyone gone again): requeue
			// under the same key so redelivery stays idempotent.
			if _, qerr := queue.Enqueue(r.db, m.LineID, m.ContactPhone, m.Segment, m.Body,
				queue.EnqueueOpts{MessageKey: m.MessageKey}); qerr != nil {
				return replayed, qerr
			}
			continue
		}
		if r.notifier != nil {
			r.notifier.DeliverToUser(target, push.EventQueuedReplay, map[string]any{
				"line_id": m.LineID,
				"from":    m.ContactPhone,
				"body":    m.Body,
			})
		}
		replayed++
	}
	if replayed > 0 {
		fmt.Fprintf(r.out, "router: replayed %d queued messages for segment %d\n", replayed, op.Segment)
	}
	return replayed, nil
}
