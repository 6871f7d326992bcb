// Package allocator enforces line capacity: at most two operators per line,
// at most one line per operator. All mutations run inside serializable
// transactions scoped to the line row.
package allocator

import (
	"errors"
	"fmt"
	"log"

	"github.com/centrodesk/lineup/internal/db"
	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/gorm"
)

// Allocation failures surfaced to callers. Each is a soft, discriminated
// result; the transaction is rolled back, never partially applied.
var (
	ErrLineNotFound     = errors.New("allocator: line not found")
	ErrLineNotActive    = errors.New("allocator: line not active")
	ErrCapacityExceeded = errors.New("allocator: line at capacity")
	ErrAlreadyBound     = errors.New("allocator: operator already bound to line")
	ErrOperatorNotFound = errors.New("allocator: operator not found")
	// ErrSegmentConflict means a bind would put two segments on one line.
	// Unreachable under correct selector discipline; rejected, never repaired.
	ErrSegmentConflict = errors.New("allocator: line already serves another segment")
)

// Bind assigns an operator to a line. It locks the line row, verifies the
// line is active and under capacity, removes any binding the operator holds
// on a different line, inserts the new binding, and on the line's first
// binding sets it as the primary operator.
//
// Two concurrent Bind calls against the same line must not both pass the
// capacity check; the transaction runs serializable with the line row locked,
// not optimistically retried.
func Bind(gdb *gorm.DB, lineID, operatorID uint) error {
	if lineID == 0 {
		return fmt.Errorf("allocator: lineID is required")
	}
	if operatorID == 0 {
		return fmt.Errorf("allocator: operatorID is required")
	}

	return db.Serializable(gdb, func(tx *gorm.DB) error {
		var line models.Line
		result := db.LockForUpdate(tx).Where("id = ?", lineID).Find(&line)
		if result.Error != nil {
			return fmt.Errorf("allocator: load line %d: %w", lineID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrLineNotFound
		}
		if line.Status != models.LineActive {
			return ErrLineNotActive
		}

		var operator models.Operator
		result = tx.Where("id = ?", operatorID).Find(&operator)
		if result.Error != nil {
			return fmt.Errorf("allocator: load operator %d: %w", operatorID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrOperatorNotFound
		}

		var bindings []models.LineOperator
		if err := tx.Where("line_id = ?", lineID).Order("created_at ASC").
			Find(&bindings).Error; err != nil {
			return fmt.Errorf("allocator: count bindings for line %d: %w", lineID, err)
		}
		if len(bindings) >= models.LineCapacity {
			return ErrCapacityExceeded
		}
		for _, b := range bindings {
			if b.OperatorID == operatorID {
				return ErrAlreadyBound
			}
		}

		// A line never serves two segments at once. The selector filters for
		// this already, so hitting it indicates a bug upstream.
		if len(bindings) > 0 {
			var conflicts int64
			if err := tx.Model(&models.Operator{}).
				Joins("JOIN line_operators ON line_operators.operator_id = operators.id").
				Where("line_operators.line_id = ? AND operators.segment != ?", lineID, operator.Segment).
				Count(&conflicts).Error; err != nil {
				return fmt.Errorf("allocator: segment check for line %d: %w", lineID, err)
			}
			if conflicts > 0 {
				log.Printf("allocator: INVARIANT: bind op=%d seg=%d onto line=%d serving another segment",
					operatorID, operator.Segment, lineID)
				return ErrSegmentConflict
			}
		}

		// An operator holds at most one line: drop any binding elsewhere.
		var prior models.LineOperator
		result = tx.Where("operator_id = ? AND line_id != ?", operatorID, lineID).Find(&prior)
		if result.Error != nil {
			return fmt.Errorf("allocator: load prior binding for operator %d: %w", operatorID, result.Error)
		}
		if result.RowsAffected > 0 {
			if err := releaseBinding(tx, prior.LineID, operatorID); err != nil {
				return err
			}
		}

		binding := models.LineOperator{LineID: lineID, OperatorID: operatorID}
		if err := tx.Create(&binding).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return ErrAlreadyBound
			}
			return fmt.Errorf("allocator: bind operator %d to line %d: %w", operatorID, lineID, err)
		}

		if len(bindings) == 0 {
			if err := tx.Model(&models.Line{}).Where("id = ?", lineID).
				Update("primary_operator_id", operatorID).Error; err != nil {
				return fmt.Errorf("allocator: set primary operator on line %d: %w", lineID, err)
			}
		}
		return nil
	})
}

// Unbind removes the operator's binding to the line. Best-effort: a missing
// binding is not an error. If the operator held the line's primary pointer it
// is reassigned to any remaining bound operator, or cleared.
func Unbind(gdb *gorm.DB, lineID, operatorID uint) error {
	if lineID == 0 {
		return fmt.Errorf("allocator: lineID is required")
	}
	if operatorID == 0 {
		return fmt.Errorf("allocator: operatorID is required")
	}

	return db.Serializable(gdb, func(tx *gorm.DB) error {
		return releaseBinding(tx, lineID, operatorID)
	})
}

// releaseBinding deletes one binding and repairs the line's primary pointer.
// Runs inside the caller's transaction.
func releaseBinding(tx *gorm.DB, lineID, operatorID uint) error {
	if err := tx.Where("line_id = ? AND operator_id = ?", lineID, operatorID).
		Delete(&models.LineOperator{}).Error; err != nil {
		return fmt.Errorf("allocator: unbind operator %d from line %d: %w", operatorID, lineID, err)
	}

	var line models.Line
	result := db.LockForUpdate(tx).Where("id = ?", lineID).Find(&line)
	if result.Error != nil {
		return fmt.Errorf("allocator: load line %d: %w", lineID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}
	if line.PrimaryOperatorID == nil || *line.PrimaryOperatorID != operatorID {
		return nil
	}

	var remaining models.LineOperator
	result = tx.Where("line_id = ?", lineID).Order("created_at ASC").Limit(1).Find(&remaining)
	if result.Error != nil {
		return fmt.Errorf("allocator: load remaining bindings for line %d: %w", lineID, result.Error)
	}
	var next *uint
	if result.RowsAffected > 0 {
		next = &remaining.OperatorID
	}
	if err := tx.Model(&models.Line{}).Where("id = ?", lineID).
		Update("primary_operator_id", next).Error; err != nil {
		return fmt.Errorf("allocator: reassign primary operator on line %d: %w", lineID, err)
	}
	return nil
}

// CurrentLine returns the line the operator is bound to, or nil when unbound.
// The line_operators table is the only source of truth for this view.
func CurrentLine(gdb *gorm.DB, operatorID uint) (*models.Line, error) {
	if operatorID == 0 {
		return nil, fmt.Errorf("allocator: operatorID is required")
	}

	var binding models.LineOperator
	result := gdb.Where("operator_id = ?", operatorID).Find(&binding)
	if result.Error != nil {
		return nil, fmt.Errorf("allocator: load binding for operator %d: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var line models.Line
	result = gdb.Where("id = ?", binding.LineID).Find(&line)
	if result.Error != nil {
		return nil, fmt.Errorf("allocator: load line %d: %w", binding.LineID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &line, nil
}

// BoundOperators returns the operators bound to a line in binding order.
func BoundOperators(gdb *gorm.DB, lineID uint) ([]models.Operator, error) {
	if lineID == 0 {
		return nil, fmt.Errorf("allocator: lineID is required")
	}

	var operators []models.Operator
	err := gdb.Model(&models.Operator{}).
		Joins("JOIN line_operators ON line_operators.operator_id = operators.id").
		Where("line_operators.line_id = ?", lineID).
		Order("line_operators.created_at ASC").
		Find(&operators).Error
	if err != nil {
		return nil, fmt.Errorf("allocator: operators bound to line %d: %w", lineID, err)
	}
	return operators, nil
}
