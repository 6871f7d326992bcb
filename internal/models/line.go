package models

import "time"

// Line statuses.
const (
	LineActive   = "active"
	LineBanned   = "banned"
	LineDisabled = "disabled"
)

// LineCapacity is the hard limit on operators bound to a single line.
const LineCapacity = 2

// Line is a WhatsApp phone number resource backed by provider credentials.
// A line serves at most LineCapacity operators and, at any moment, at most
// one segment.
type Line struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PhoneNumber string `gorm:"size:32;not null;uniqueIndex"`
	Status      string `gorm:"size:16;default:active;index"`
	// Segment tags the line to a business segment. NULL means the line is
	// unassigned and may be adopted by any segment.
	Segment *int `gorm:"index"`
	// CredentialRef identifies the provider device/session this line sends
	// through. Opaque to the allocation engine.
	CredentialRef string `gorm:"size:128"`
	// PrimaryOperatorID points at the first operator bound to the line.
	// Reassigned on unbind, cleared when no operators remain.
	PrimaryOperatorID *uint
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LineOperator links an operator to a line. The unique index on OperatorID
// enforces one line per operator; the per-line count is enforced
// transactionally by the allocator.
type LineOperator struct {
	LineID     uint `gorm:"primaryKey"`
	OperatorID uint `gorm:"primaryKey;uniqueIndex"`
	CreatedAt  time.Time

	Line     Line     `gorm:"foreignKey:LineID"`
	Operator Operator `gorm:"foreignKey:OperatorID"`
}
