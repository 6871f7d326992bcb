package pipeline

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/gorm"
)

// Contact policy failures. Surfaced to the caller unchanged; they are
// operator mistakes, not system faults.
var (
	ErrInvalidPhone = errors.New("pipeline: invalid contact phone")
	ErrContactOwned = errors.New("pipeline: contact already in another operator's conversation")
)

// Policy validates a contact before an outbound send. The permission and
// duplicate rules live outside the routing core; this interface is their
// seam.
type Policy interface {
	CheckContact(gdb *gorm.DB, operatorID uint, contactPhone string) error
}

// phonePattern accepts E.164-style numbers without the plus sign.
var phonePattern = regexp.MustCompile(`^[1-9][0-9]{9,14}$`)

// DefaultPolicy enforces phone format and the anti-duplicate rule: a contact
// with an open conversation owned by a different operator cannot be cold-
// contacted.
type DefaultPolicy struct{}

func (DefaultPolicy) CheckContact(gdb *gorm.DB, operatorID uint, contactPhone string) error {
	if !phonePattern.MatchString(contactPhone) {
		return ErrInvalidPhone
	}

	var conv models.Conversation
	result := gdb.Where("contact_phone = ? AND tabulation_id IS NULL", contactPhone).
		Order("created_at DESC, id DESC").Limit(1).Find(&conv)
	if result.Error != nil {
		return fmt.Errorf("pipeline: duplicate check for %s: %w", contactPhone, result.Error)
	}
	if result.RowsAffected > 0 && conv.OperatorID != nil && *conv.OperatorID != operatorID {
		return ErrContactOwned
	}
	return nil
}
