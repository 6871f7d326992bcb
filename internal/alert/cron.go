package alert

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// ValidCron reports whether expr parses as a 5-field cron expression.
func ValidCron(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}

// Scheduler fires the daily digest on a cron schedule.
type Scheduler struct {
	db       *gorm.DB
	notifier *Notifier
	expr     string

	// build is swappable in tests.
	build func(*gorm.DB) (*Event, error)
}

// NewScheduler creates a Scheduler. The expression must be a valid 5-field
// cron spec.
func NewScheduler(gdb *gorm.DB, notifier *Notifier, expr string) (*Scheduler, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, err
	}
	return &Scheduler{db: gdb, notifier: notifier, expr: expr, build: BuildDailyDigest}, nil
}

// Run blocks until the context is cancelled, broadcasting the digest at each
// scheduled fire time. A failed build or broadcast is logged and the loop
// continues to the next fire.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := nextCronDuration(s.expr)
		if wait == 0 {
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		evt, err := s.build(s.db)
		if err != nil {
			log.Printf("alert: scheduler: %v", err)
			continue
		}
		if evt == nil {
			continue
		}
		if err := s.notifier.Broadcast(ctx, *evt); err != nil {
			log.Printf("alert: scheduler: %v", err)
		}
	}
}
