// Package queue provides the durable inbound-message queue used when no
// operator is online to receive a contact's message.
package queue

import (
	"fmt"
	"time"

	ldb "github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnqueueOpts holds optional parameters for queueing a message.
type EnqueueOpts struct {
	// MessageKey is the provider's message ID, used to dedupe at-least-once
	// webhook redelivery. A key is generated when empty.
	MessageKey string
}

// Enqueue stores an inbound message for later drain. Redelivering the same
// MessageKey is a no-op returning the stored row.
func Enqueue(gdb *gorm.DB, lineID uint, contactPhone string, segment int, body string, opts EnqueueOpts) (*models.PendingMessage, error) {
	if lineID == 0 {
		return nil, fmt.Errorf("queue: lineID is required")
	}
	if contactPhone == "" {
		return nil, fmt.Errorf("queue: contactPhone is required")
	}

	key := opts.MessageKey
	if key == "" {
		key = uuid.NewString()
	}

	msg := models.PendingMessage{
		MessageKey:   key,
		LineID:       lineID,
		ContactPhone: contactPhone,
		Segment:      segment,
		Body:         body,
		CreatedAt:    time.Now(),
	}
	if err := gdb.Create(&msg).Error; err != nil {
		if ldb.IsDuplicateKey(err) {
			var existing models.PendingMessage
			if ferr := gdb.Where("message_key = ?", key).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("queue: enqueue %s: %w", key, err)
	}
	return &msg, nil
}

// Drain removes and returns up to limit queued messages for a segment,
// oldest first. Runs in one transaction so a crash redelivers rather than
// drops; consumers must tolerate replays.
func Drain(gdb *gorm.DB, segment, limit int) ([]models.PendingMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("queue: limit must be positive")
	}

	var msgs []models.PendingMessage
	err := gdb.Transaction(func(tx *gorm.DB) error {
		if err := ldb.LockForUpdate(tx).
			Where("segment = ?", segment).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&msgs).Error; err != nil {
			return fmt.Errorf("queue: drain segment %d: %w", segment, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		ids := make([]uint, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.PendingMessage{}).Error; err != nil {
			return fmt.Errorf("queue: delete drained messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Depth returns the number of queued messages for a segment.
func Depth(gdb *gorm.DB, segment int) (int, error) {
	var count int64
	if err := gdb.Model(&models.PendingMessage{}).
		Where("segment = ?", segment).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: depth for segment %d: %w", segment, err)
	}
	return int(count), nil
}
