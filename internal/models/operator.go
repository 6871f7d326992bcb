package models

import "time"

// Operator roles.
const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
)

// Operator is a contact-center agent. The operator's current line is derived
// from the line_operators table; there is deliberately no cached line field
// here.
type Operator struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Name    string `gorm:"size:128;not null"`
	Segment int    `gorm:"index"`
	Role    string `gorm:"size:16;default:operator"`
	// Online mirrors the presence registry for reporting. Advisory only:
	// capacity decisions never read it.
	Online    bool `gorm:"default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
