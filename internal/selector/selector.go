// Package selector finds a line able to take one more operator for a
// segment, honoring capacity and segment isolation.
package selector

import (
	"fmt"

	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/gorm"
)

// Query is the closed set of candidate-line filters. Segment is the
// requesting operator's segment; FallbackSegment is the shared pool scanned
// when no segment-specific line qualifies.
type Query struct {
	Segment           int
	ExcludeOperatorID uint
	ExcludeLineID     uint
	FallbackSegment   int
}

// Find returns the first active line with spare capacity for the segment, in
// line creation order, or (nil, nil) when none qualifies.
//
// Segment-matched lines always win over the fallback pool. The fallback pool
// is the designated fallback segment's lines plus untagged (NULL-segment)
// lines; adopting a line from it retags the line to the requested segment as
// a side effect.
func Find(gdb *gorm.DB, q Query) (*models.Line, error) {
	if gdb == nil {
		return nil, fmt.Errorf("selector: db is required")
	}

	line, err := scan(gdb, q, false)
	if err != nil {
		return nil, err
	}
	if line != nil {
		return line, nil
	}

	line, err = scan(gdb, q, true)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, nil
	}

	// Segment adoption: the pool line now belongs to the requested segment.
	if err := gdb.Model(&models.Line{}).Where("id = ?", line.ID).
		Update("segment", q.Segment).Error; err != nil {
		return nil, fmt.Errorf("selector: retag line %d to segment %d: %w", line.ID, q.Segment, err)
	}
	line.Segment = &q.Segment
	return line, nil
}

// scan walks candidate lines in creation order and returns the first one that
// passes the capacity, segment-isolation, and exclusion checks.
func scan(gdb *gorm.DB, q Query, fallback bool) (*models.Line, error) {
	var candidates []models.Line
	query := gdb.Where("status = ?", models.LineActive).Order("id ASC")
	if fallback {
		query = query.Where("segment = ? OR segment IS NULL", q.FallbackSegment)
	} else {
		query = query.Where("segment = ?", q.Segment)
	}
	if q.ExcludeLineID != 0 {
		query = query.Where("id != ?", q.ExcludeLineID)
	}
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("selector: scan lines for segment %d: %w", q.Segment, err)
	}

	for i := range candidates {
		ok, err := qualifies(gdb, &candidates[i], q)
		if err != nil {
			return nil, err
		}
		if ok {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func qualifies(gdb *gorm.DB, line *models.Line, q Query) (bool, error) {
	var bindings []models.LineOperator
	if err := gdb.Where("line_id = ?", line.ID).Find(&bindings).Error; err != nil {
		return false, fmt.Errorf("selector: bindings for line %d: %w", line.ID, err)
	}
	if len(bindings) >= models.LineCapacity {
		return false, nil
	}
	for _, b := range bindings {
		if b.OperatorID == q.ExcludeOperatorID {
			return false, nil
		}
	}

	// Segment isolation: skip lines whose bound operators belong to another
	// segment, even when the line tag itself matches.
	if len(bindings) > 0 {
		var foreign int64
		err := gdb.Model(&models.Operator{}).
			Joins("JOIN line_operators ON line_operators.operator_id = operators.id").
			Where("line_operators.line_id = ? AND operators.segment != ?", line.ID, q.Segment).
			Count(&foreign).Error
		if err != nil {
			return false, fmt.Errorf("selector: segment check for line %d: %w", line.ID, err)
		}
		if foreign > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Available reports whether any line could take the operator, without
// committing to one. A read-only probe: unlike Find it never retags a pool
// line. Used by event-driven waiting-queue serving.
func Available(gdb *gorm.DB, q Query) (bool, error) {
	if gdb == nil {
		return false, fmt.Errorf("selector: db is required")
	}
	line, err := scan(gdb, q, false)
	if err != nil {
		return false, err
	}
	if line == nil {
		line, err = scan(gdb, q, true)
		if err != nil {
			return false, err
		}
	}
	return line != nil, nil
}
