// Package schedule holds the per-seller recurring crawl trigger.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Status represents whether a schedule currently fires
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ErrNotFound is returned by stores when a referenced schedule does not exist.
var ErrNotFound = errors.New("schedule not found")

// cronParser accepts the standard 5-field format (minute hour day month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is the per-seller cron trigger for top-level crawl tasks. The
// next-execution time is cached and cleared whenever the expression
// changes, forcing recomputation.
type Schedule struct {
	ID       int64
	SellerID int64
	CronExpr string
	Status   Status

	NextExecutionAt time.Time
	LastExecutedAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New creates an active schedule. The cron expression is validated up front.
func New(id, sellerID int64, cronExpr string, now time.Time) (*Schedule, error) {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return &Schedule{
		ID:        id,
		SellerID:  sellerID,
		CronExpr:  cronExpr,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Reconstitute restores a schedule from persisted state.
func Reconstitute(id, sellerID int64, cronExpr string, status Status, nextExecutionAt, lastExecutedAt, createdAt, updatedAt time.Time) *Schedule {
	return &Schedule{
		ID:              id,
		SellerID:        sellerID,
		CronExpr:        cronExpr,
		Status:          status,
		NextExecutionAt: nextExecutionAt,
		LastExecutedAt:  lastExecutedAt,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
}

// Update replaces the cron expression and clears the cached next
// execution so the new expression takes effect on the next check.
func (s *Schedule) Update(cronExpr string, now time.Time) error {
	if cronExpr == "" {
		return errors.New("cron expression cannot be empty")
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	s.CronExpr = cronExpr
	s.NextExecutionAt = time.Time{}
	s.UpdatedAt = now
	return nil
}

// NextExecution returns the cached next fire time, computing and caching
// it from the cron expression when empty.
func (s *Schedule) NextExecution(now time.Time) (time.Time, error) {
	if !s.NextExecutionAt.IsZero() {
		return s.NextExecutionAt, nil
	}
	sched, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
	}
	s.NextExecutionAt = sched.Next(now)
	return s.NextExecutionAt, nil
}

// ShouldFire reports whether an active schedule's next execution time
// has arrived.
func (s *Schedule) ShouldFire(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	next, err := s.NextExecution(now)
	if err != nil {
		return false
	}
	return !now.Before(next)
}

// MarkFired records an execution and rolls the next fire time forward.
func (s *Schedule) MarkFired(now time.Time) error {
	sched, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
	}
	s.LastExecutedAt = now
	s.NextExecutionAt = sched.Next(now)
	s.UpdatedAt = now
	return nil
}

// Suspend stops the schedule firing without losing its definition.
func (s *Schedule) Suspend(now time.Time) {
	s.Status = StatusSuspended
	s.UpdatedAt = now
}

// Activate resumes a suspended schedule.
func (s *Schedule) Activate(now time.Time) {
	s.Status = StatusActive
	s.NextExecutionAt = time.Time{}
	s.UpdatedAt = now
}

// IsActive reports whether the schedule currently fires.
func (s *Schedule) IsActive() bool {
	return s.Status == StatusActive
}
