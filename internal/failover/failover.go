// Package failover evicts operators from unhealthy lines and drives
// reallocation, including the cascading conversation re-ownership that
// follows a ban.
package failover

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/centrodesk/lineup/internal/allocator"
	ldb "github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/selector"
	"gorm.io/gorm"
)

// ErrNoLineAvailable is the soft failure for an exhausted reallocation: the
// operator is left unbound and queued for the next freed line. Callers
// surface it with deliberately vague messaging; ban details never leave the
// coordinator.
var ErrNoLineAvailable = errors.New("failover: no line available")

// Notifier is the narrow push capability the coordinator needs. Satisfied by
// push.Notifier.
type Notifier interface {
	DeliverToUser(operatorID uint, event string, payload any) bool
}

// Opts holds parameters for creating a Coordinator.
type Opts struct {
	DB *gorm.DB
	// FallbackSegment is the shared line pool scanned when a segment has no
	// line of its own.
	FallbackSegment int
	Notifier        Notifier  // optional
	Out             io.Writer // defaults to os.Stdout
}

// Coordinator reallocates operators away from failing lines.
type Coordinator struct {
	db              *gorm.DB
	fallbackSegment int
	notifier        Notifier
	out             io.Writer
}

// New creates a Coordinator.
func New(opts Opts) (*Coordinator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("failover: db is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Coordinator{
		db:              opts.DB,
		fallbackSegment: opts.FallbackSegment,
		notifier:        opts.Notifier,
		out:             out,
	}, nil
}

// Reallocate moves an operator off excludeLineID onto a fresh line for the
// segment. When no line qualifies the operator is left unbound, queued, and
// ErrNoLineAvailable is returned.
func (c *Coordinator) Reallocate(operatorID uint, segment int, excludeLineID uint) (*models.Line, error) {
	if operatorID == 0 {
		return nil, fmt.Errorf("failover: operatorID is required")
	}

	if excludeLineID != 0 {
		if err := allocator.Unbind(c.db, excludeLineID, operatorID); err != nil {
			return nil, fmt.Errorf("failover: evict operator %d from line %d: %w", operatorID, excludeLineID, err)
		}
	}

	line, err := selector.Find(c.db, selector.Query{
		Segment:           segment,
		ExcludeOperatorID: operatorID,
		ExcludeLineID:     excludeLineID,
		FallbackSegment:   c.fallbackSegment,
	})
	if err != nil {
		return nil, fmt.Errorf("failover: select replacement for operator %d: %w", operatorID, err)
	}
	if line == nil {
		c.enqueueWaiting(operatorID, segment)
		return nil, ErrNoLineAvailable
	}

	if err := allocator.Bind(c.db, line.ID, operatorID); err != nil {
		// Lost a race for the last slot; treat like exhaustion rather than
		// spinning on the scan.
		if errors.Is(err, allocator.ErrCapacityExceeded) || errors.Is(err, allocator.ErrLineNotActive) {
			c.enqueueWaiting(operatorID, segment)
			return nil, ErrNoLineAvailable
		}
		return nil, fmt.Errorf("failover: rebind operator %d to line %d: %w", operatorID, line.ID, err)
	}

	fmt.Fprintf(c.out, "failover: operator %d moved to line %d\n", operatorID, line.ID)
	return line, nil
}

// MarkBanned flags a line as banned and cascades: every bound operator is
// reallocated, each in its own transaction scope so one operator's failure
// never blocks the others. Reallocated operators keep their open
// conversations (repointed at the new line); operators left without a line
// have them force-closed with the no-line tabulation marker.
func (c *Coordinator) MarkBanned(lineID uint) error {
	if lineID == 0 {
		return fmt.Errorf("failover: lineID is required")
	}

	var bound []models.Operator
	err := ldb.Serializable(c.db, func(tx *gorm.DB) error {
		var line models.Line
		result := ldb.LockForUpdate(tx).Where("id = ?", lineID).Find(&line)
		if result.Error != nil {
			return fmt.Errorf("failover: load line %d: %w", lineID, result.Error)
		}
		if result.RowsAffected == 0 {
			return allocator.ErrLineNotFound
		}
		if err := tx.Model(&models.Line{}).Where("id = ?", lineID).
			Update("status", models.LineBanned).Error; err != nil {
			return fmt.Errorf("failover: ban line %d: %w", lineID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	bound, err = allocator.BoundOperators(c.db, lineID)
	if err != nil {
		return err
	}
	log.Printf("failover: line %d banned, cascading %d operators", lineID, len(bound))

	for _, op := range bound {
		if err := c.cascadeOperator(op, lineID); err != nil {
			log.Printf("failover: cascade operator %d off line %d: %v", op.ID, lineID, err)
		}
	}
	return nil
}

// cascadeOperator handles one operator's share of a ban cascade.
func (c *Coordinator) cascadeOperator(op models.Operator, bannedLineID uint) error {
	newLine, err := c.Reallocate(op.ID, op.Segment, bannedLineID)
	switch {
	case err == nil:
		// Ownership by operator is preserved; only the underlying line moves.
		uerr := c.db.Model(&models.Conversation{}).
			Where("operator_id = ? AND line_id = ? AND tabulation_id IS NULL", op.ID, bannedLineID).
			Update("line_id", newLine.ID).Error
		if uerr != nil {
			return fmt.Errorf("repoint conversations: %w", uerr)
		}
		c.notifyAssignmentChanged(op.ID)
		return nil

	case errors.Is(err, ErrNoLineAvailable):
		uerr := c.db.Model(&models.Conversation{}).
			Where("operator_id = ? AND line_id = ? AND tabulation_id IS NULL", op.ID, bannedLineID).
			Update("tabulation_id", models.TabulationNoLine).Error
		if uerr != nil {
			return fmt.Errorf("force-close conversations: %w", uerr)
		}
		c.notifyAssignmentChanged(op.ID)
		return nil

	default:
		return err
	}
}

// notifyAssignmentChanged tells the operator their assignment changed.
// Deliberately vague: the client is never told a line was banned.
func (c *Coordinator) notifyAssignmentChanged(operatorID uint) {
	if c.notifier == nil {
		return
	}
	c.notifier.DeliverToUser(operatorID, push.EventAssignmentChanged, map[string]string{
		"message": "your line assignment changed",
	})
}

// enqueueWaiting records the operator in the waiting queue. Best-effort; an
// operator already queued stays at their original position.
func (c *Coordinator) enqueueWaiting(operatorID uint, segment int) {
	entry := models.WaitingQueueEntry{
		OperatorID: operatorID,
		Segment:    segment,
		CreatedAt:  time.Now(),
	}
	if err := c.db.Create(&entry).Error; err != nil && !ldb.IsDuplicateKey(err) {
		log.Printf("failover: enqueue waiting operator %d: %v", operatorID, err)
	}
}

// ServeWaiting tries to bind queued operators to freed capacity, oldest
// first. Called from the events that create capacity (unbind, line created);
// there is no background drain. Returns the number of operators served.
func (c *Coordinator) ServeWaiting() (int, error) {
	var entries []models.WaitingQueueEntry
	if err := c.db.Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("failover: load waiting queue: %w", err)
	}

	served := 0
	for _, e := range entries {
		line, err := selector.Find(c.db, selector.Query{
			Segment:           e.Segment,
			ExcludeOperatorID: e.OperatorID,
			FallbackSegment:   c.fallbackSegment,
		})
		if err != nil {
			return served, err
		}
		if line == nil {
			continue
		}
		if err := allocator.Bind(c.db, line.ID, e.OperatorID); err != nil {
			log.Printf("failover: serve waiting operator %d: %v", e.OperatorID, err)
			continue
		}
		if err := c.db.Delete(&models.WaitingQueueEntry{}, e.ID).Error; err != nil {
			return served, fmt.Errorf("failover: dequeue operator %d: %w", e.OperatorID, err)
		}
		c.notifyAssignmentChanged(e.OperatorID)
		served++
	}
	return served, nil
}
