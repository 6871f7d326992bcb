// Package push delivers events to connected operator clients. Delivery is
// best-effort: a disconnected operator simply reports not-delivered and the
// caller decides whether to queue durably.
package push

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/presence"
	"gorm.io/gorm"
)

// Event names pushed to clients.
const (
	EventInboundMessage    = "inbound_message"
	EventAssignmentChanged = "assignment_changed"
	EventMessageSent       = "message_sent"
	EventQueuedReplay      = "queued_replay"
)

// Notifier pushes events through the presence registry.
type Notifier struct {
	reg *presence.Registry
}

// NewNotifier creates a Notifier backed by the registry.
func NewNotifier(reg *presence.Registry) (*Notifier, error) {
	if reg == nil {
		return nil, fmt.Errorf("push: registry is required")
	}
	return &Notifier{reg: reg}, nil
}

// DeliverToUser pushes one event to the operator if connected. Returns false
// when the operator has no live connection or the push fails.
func (n *Notifier) DeliverToUser(operatorID uint, event string, payload any) bool {
	conn, ok := n.reg.Conn(operatorID)
	if !ok {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("push: marshal %s for operator %d: %v", event, operatorID, err)
		return false
	}
	if err := conn.Push(event, data); err != nil {
		log.Printf("push: deliver %s to operator %d: %v", event, operatorID, err)
		return false
	}
	return true
}

// NotifySupervisors pushes an event to every online supervisor of a segment
// and returns how many received it.
func (n *Notifier) NotifySupervisors(gdb *gorm.DB, segment int, event string, payload any) int {
	var supervisors []models.Operator
	err := gdb.Where("segment = ? AND role = ?", segment, models.RoleSupervisor).
		Find(&supervisors).Error
	if err != nil {
		log.Printf("push: load supervisors for segment %d: %v", segment, err)
		return 0
	}

	delivered := 0
	for _, s := range supervisors {
		if n.DeliverToUser(s.ID, event, payload) {
			delivered++
		}
	}
	return delivered
}
