package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/gorm"
)

// DailyReport holds computed routing metrics for a 24-hour period.
type DailyReport struct {
	PeriodStart         time.Time
	PeriodEnd           time.Time
	ConversationsOpened int
	ConversationsClosed int
	ForceClosed         int
	OpenNow             int
	WaitingOperators    int
	PendingMessages     int
	ActiveLines         int
	BannedLines         int
	SegmentBreakdown    []SegmentDigest
}

// SegmentDigest holds per-segment metrics for digest reports.
type SegmentDigest struct {
	Segment int
	Opened  int
	Closed  int
	OpenNow int
}

// BuildDailyDigest queries the DB for the last 24 hours and returns the
// digest event. Returns nil when there was no activity.
func BuildDailyDigest(gdb *gorm.DB) (*Event, error) {
	now := time.Now()
	since := now.Add(-24 * time.Hour)

	report, err := buildDailyReport(gdb, since, now)
	if err != nil {
		return nil, fmt.Errorf("alert: daily digest: %w", err)
	}

	// Suppress when nothing happened.
	if report.ConversationsOpened == 0 && report.ConversationsClosed == 0 &&
		report.WaitingOperators == 0 && report.PendingMessages == 0 {
		return nil, nil
	}

	evt := FormatDaily(report)
	evt.Timestamp = now
	return &evt, nil
}

// buildDailyReport queries metrics within the given time range.
func buildDailyReport(gdb *gorm.DB, since, until time.Time) (*DailyReport, error) {
	report := &DailyReport{
		PeriodStart: since,
		PeriodEnd:   until,
	}

	var opened int64
	if err := gdb.Model(&models.Conversation{}).
		Where("created_at >= ? AND created_at < ?", since, until).
		Count(&opened).Error; err != nil {
		return nil, err
	}
	report.ConversationsOpened = int(opened)

	// Closure is an update on the append-only row, so updated_at marks it.
	var closed int64
	gdb.Model(&models.Conversation{}).
		Where("tabulation_id IS NOT NULL AND updated_at >= ? AND updated_at < ?", since, until).
		Count(&closed)
	report.ConversationsClosed = int(closed)

	var forceClosed int64
	gdb.Model(&models.Conversation{}).
		Where("tabulation_id = ? AND updated_at >= ? AND updated_at < ?",
			models.TabulationNoLine, since, until).
		Count(&forceClosed)
	report.ForceClosed = int(forceClosed)

	var openNow int64
	gdb.Model(&models.Conversation{}).
		Where("tabulation_id IS NULL").
		Count(&openNow)
	report.OpenNow = int(openNow)

	var waiting int64
	gdb.Model(&models.WaitingQueueEntry{}).Count(&waiting)
	report.WaitingOperators = int(waiting)

	var pending int64
	gdb.Model(&models.PendingMessage{}).Count(&pending)
	report.PendingMessages = int(pending)

	var active int64
	gdb.Model(&models.Line{}).Where("status = ?", models.LineActive).Count(&active)
	report.ActiveLines = int(active)

	var banned int64
	gdb.Model(&models.Line{}).Where("status = ?", models.LineBanned).Count(&banned)
	report.BannedLines = int(banned)

	report.SegmentBreakdown = buildSegmentBreakdown(gdb, since, until)

	return report, nil
}

// buildSegmentBreakdown computes per-segment conversation metrics.
func buildSegmentBreakdown(gdb *gorm.DB, since, until time.Time) []SegmentDigest {
	var segments []struct {
		Segment int
	}
	gdb.Model(&models.Conversation{}).
		Distinct("segment").
		Order("segment ASC").
		Find(&segments)

	var breakdown []SegmentDigest
	for _, s := range segments {
		sd := SegmentDigest{Segment: s.Segment}

		var opened int64
		gdb.Model(&models.Conversation{}).
			Where("segment = ? AND created_at >= ? AND created_at < ?", s.Segment, since, until).
			Count(&opened)
		sd.Opened = int(opened)

		var closed int64
		gdb.Model(&models.Conversation{}).
			Where("segment = ? AND tabulation_id IS NOT NULL AND updated_at >= ? AND updated_at < ?",
				s.Segment, since, until).
			Count(&closed)
		sd.Closed = int(closed)

		var openNow int64
		gdb.Model(&models.Conversation{}).
			Where("segment = ? AND tabulation_id IS NULL", s.Segment).
			Count(&openNow)
		sd.OpenNow = int(openNow)

		breakdown = append(breakdown, sd)
	}
	return breakdown
}

// FormatDaily formats a daily report as an alert event.
func FormatDaily(report *DailyReport) Event {
	var bodyLines []string
	bodyLines = append(bodyLines, fmt.Sprintf("**Period**: %s to %s",
		report.PeriodStart.Format("Jan 2 15:04"),
		report.PeriodEnd.Format("Jan 2 15:04")))
	bodyLines = append(bodyLines, fmt.Sprintf("**Conversations**: %d opened, %d closed, %d still open",
		report.ConversationsOpened, report.ConversationsClosed, report.OpenNow))
	if report.ForceClosed > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Force-closed (no line)**: %d", report.ForceClosed))
	}
	if report.WaitingOperators > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Operators waiting for a line**: %d", report.WaitingOperators))
	}
	if report.PendingMessages > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Messages pending delivery**: %d", report.PendingMessages))
	}
	bodyLines = append(bodyLines, fmt.Sprintf("**Lines**: %d active, %d banned",
		report.ActiveLines, report.BannedLines))

	if len(report.SegmentBreakdown) > 0 {
		bodyLines = append(bodyLines, "")
		bodyLines = append(bodyLines, "**Per Segment**:")
		for _, sd := range report.SegmentBreakdown {
			bodyLines = append(bodyLines,
				fmt.Sprintf("  segment %d: %d opened, %d closed, %d open",
					sd.Segment, sd.Opened, sd.Closed, sd.OpenNow))
		}
	}

	fields := []Field{
		{Name: "Opened", Value: fmt.Sprintf("%d", report.ConversationsOpened), Short: true},
		{Name: "Closed", Value: fmt.Sprintf("%d", report.ConversationsClosed), Short: true},
		{Name: "Active Lines", Value: fmt.Sprintf("%d", report.ActiveLines), Short: true},
		{Name: "Banned Lines", Value: fmt.Sprintf("%d", report.BannedLines), Short: true},
	}
	if report.WaitingOperators > 0 {
		fields = append(fields, Field{Name: "Waiting", Value: fmt.Sprintf("%d", report.WaitingOperators), Short: true})
	}
	if report.PendingMessages > 0 {
		fields = append(fields, Field{Name: "Pending", Value: fmt.Sprintf("%d", report.PendingMessages), Short: true})
	}

	return Event{
		Type:     EventDailyDigest,
		Title:    "Daily Routing Digest",
		Body:     strings.Join(bodyLines, "\n"),
		Severity: "info",
		Color:    ColorInfo,
		Fields:   fields,
	}
}
