package models

import "time"

// WaitingQueueEntry records an operator who wants a line while none is
// available. Entries are served event-driven (line freed, line created);
// there is no background drain.
type WaitingQueueEntry struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	OperatorID uint `gorm:"uniqueIndex"`
	Segment    int  `gorm:"index"`
	CreatedAt  time.Time
}

// PendingMessage is a durably queued inbound message that had no online
// operator to receive it. MessageKey dedupes at-least-once redelivery from
// the provider webhook.
type PendingMessage struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	MessageKey   string `gorm:"size:64;not null;uniqueIndex"`
	LineID       uint   `gorm:"index"`
	ContactPhone string `gorm:"size:32;not null"`
	Segment      int    `gorm:"index"`
	Body         string `gorm:"type:text"`
	CreatedAt    time.Time
}
