package server

import (
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/presence"
	"gorm.io/gorm"
)

// LineRow holds line data with occupancy for list views.
type LineRow struct {
	ID          uint     `json:"id"`
	PhoneNumber string   `json:"phone_number"`
	Status      string   `json:"status"`
	Segment     *int     `json:"segment"`
	Operators   []string `json:"operators"`
	FreeSlots   int      `json:"free_slots"`
}

// LineOverview returns every line with its bound operators and free slots.
func LineOverview(gdb *gorm.DB) ([]LineRow, error) {
	var lines []models.Line
	if err := gdb.Order("id ASC").Find(&lines).Error; err != nil {
		return nil, err
	}

	type bindingRow struct {
		LineID uint
		Name   string
	}
	var bindings []bindingRow
	if err := gdb.Model(&models.LineOperator{}).
		Select("line_operators.line_id, operators.name").
		Joins("JOIN operators ON operators.id = line_operators.operator_id").
		Order("line_operators.created_at ASC").
		Find(&bindings).Error; err != nil {
		return nil, err
	}

	byLine := make(map[uint][]string)
	for _, b := range bindings {
		byLine[b.LineID] = append(byLine[b.LineID], b.Name)
	}

	rows := make([]LineRow, len(lines))
	for i, l := range lines {
		names := byLine[l.ID]
		free := models.LineCapacity - len(names)
		if free < 0 {
			free = 0
		}
		rows[i] = LineRow{
			ID:          l.ID,
			PhoneNumber: l.PhoneNumber,
			Status:      l.Status,
			Segment:     l.Segment,
			Operators:   names,
			FreeSlots:   free,
		}
	}
	return rows, nil
}

// OperatorRow holds operator data with line and workload for list views.
type OperatorRow struct {
	ID                uint   `json:"id"`
	Name              string `json:"name"`
	Segment           int    `json:"segment"`
	Role              string `json:"role"`
	Online            bool   `json:"online"`
	LinePhone         string `json:"line_phone,omitempty"`
	OpenConversations int    `json:"open_conversations"`
}

// OperatorOverview returns every operator with current line and open
// conversation count. Online flags come from the live registry, not the
// advisory column.
func OperatorOverview(gdb *gorm.DB, reg *presence.Registry) ([]OperatorRow, error) {
	var operators []models.Operator
	if err := gdb.Order("id ASC").Find(&operators).Error; err != nil {
		return nil, err
	}

	type lineRow struct {
		OperatorID  uint
		PhoneNumber string
	}
	var lineRows []lineRow
	if err := gdb.Model(&models.LineOperator{}).
		Select("line_operators.operator_id, lines.phone_number").
		Joins("JOIN lines ON lines.id = line_operators.line_id").
		Find(&lineRows).Error; err != nil {
		return nil, err
	}
	lineByOp := make(map[uint]string, len(lineRows))
	for _, r := range lineRows {
		lineByOp[r.OperatorID] = r.PhoneNumber
	}

	type openRow struct {
		OperatorID uint
		Count      int
	}
	var openRows []openRow
	if err := gdb.Model(&models.Conversation{}).
		Select("operator_id, count(*) as count").
		Where("tabulation_id IS NULL AND operator_id IS NOT NULL").
		Group("operator_id").
		Find(&openRows).Error; err != nil {
		return nil, err
	}
	openByOp := make(map[uint]int, len(openRows))
	for _, r := range openRows {
		openByOp[r.OperatorID] = r.Count
	}

	rows := make([]OperatorRow, len(operators))
	for i, op := range operators {
		rows[i] = OperatorRow{
			ID:                op.ID,
			Name:              op.Name,
			Segment:           op.Segment,
			Role:              op.Role,
			Online:            reg.Online(op.ID),
			LinePhone:         lineByOp[op.ID],
			OpenConversations: openByOp[op.ID],
		}
	}
	return rows, nil
}

// Overview holds system-wide totals for the status surface.
type Overview struct {
	ActiveLines       int `json:"active_lines"`
	BannedLines       int `json:"banned_lines"`
	OnlineOperators   int `json:"online_operators"`
	WaitingOperators  int `json:"waiting_operators"`
	OpenConversations int `json:"open_conversations"`
	PendingMessages   int `json:"pending_messages"`
}

// BuildOverview computes the system-wide totals.
func BuildOverview(gdb *gorm.DB, reg *presence.Registry) (*Overview, error) {
	ov := &Overview{OnlineOperators: len(reg.OnlineIDs())}

	var n int64
	if err := gdb.Model(&models.Line{}).Where("status = ?", models.LineActive).Count(&n).Error; err != nil {
		return nil, err
	}
	ov.ActiveLines = int(n)

	if err := gdb.Model(&models.Line{}).Where("status = ?", models.LineBanned).Count(&n).Error; err != nil {
		return nil, err
	}
	ov.BannedLines = int(n)

	if err := gdb.Model(&models.WaitingQueueEntry{}).Count(&n).Error; err != nil {
		return nil, err
	}
	ov.WaitingOperators = int(n)

	if err := gdb.Model(&models.Conversation{}).Where("tabulation_id IS NULL").Count(&n).Error; err != nil {
		return nil, err
	}
	ov.OpenConversations = int(n)

	if err := gdb.Model(&models.PendingMessage{}).Count(&n).Error; err != nil {
		return nil, err
	}
	ov.PendingMessages = int(n)

	return ov, nil
}
