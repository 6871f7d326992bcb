package models

import "time"

// TabulationNoLine is the reserved tabulation marker for conversations
// force-closed because no line could be allocated to their operator.
const TabulationNoLine = -1

// Conversation is one row in the per-contact event log. Rows are append-only:
// after insert only the tabulation marker and the owning line/operator are
// ever updated (ban cascade, closure). A nil TabulationID means the
// conversation is still open; the most recent open row for a contact phone
// addresses "the active conversation".
type Conversation struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ContactPhone string `gorm:"size:32;not null;index"`
	OperatorID   *uint  `gorm:"index"`
	LineID       *uint  `gorm:"index"`
	Segment      int    `gorm:"index"`
	TabulationID *int   `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the conversation is still untabulated.
func (c *Conversation) Open() bool { return c.TabulationID == nil }
