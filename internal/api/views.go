package api

import (
	"time"

	"github.com/crawlhub/crawlhub/internal/agent"
	"github.com/crawlhub/crawlhub/internal/schedule"
	"github.com/crawlhub/crawlhub/internal/task"
)

// TaskView is the wire shape for a task.
type TaskView struct {
	ID          int64     `json:"id"`
	SchedulerID int64     `json:"scheduler_id"`
	SellerID    int64     `json:"seller_id"`
	TaskType    string    `json:"task_type"`
	Endpoint    string    `json:"endpoint"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Outbox *outboxRow `json:"outbox,omitempty"`
}

type outboxRow struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

func taskView(t *task.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		SchedulerID: t.SchedulerID,
		SellerID:    t.SellerID,
		TaskType:    string(t.Type),
		Endpoint:    t.Endpoint,
		Status:      string(t.Status),
		RetryCount:  t.RetryCount,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.Outbox != nil {
		v.Outbox = newOutboxRow(t.Outbox)
	}
	return v
}

func newOutboxRow(o *task.Outbox) *outboxRow {
	row := &outboxRow{
		IdempotencyKey: o.IdempotencyKey,
		Status:         string(o.Status),
		RetryCount:     o.RetryCount,
		CreatedAt:      o.CreatedAt,
	}
	if !o.ProcessedAt.IsZero() {
		processed := o.ProcessedAt
		row.ProcessedAt = &processed
	}
	return row
}

type outboxView struct {
	TaskID   int64  `json:"task_id"`
	SellerID int64  `json:"seller_id"`
	TaskType string `json:"task_type"`

	*outboxRow
}

func newOutboxView(t *task.Task) outboxView {
	return outboxView{
		TaskID:    t.ID,
		SellerID:  t.SellerID,
		TaskType:  string(t.Type),
		outboxRow: newOutboxRow(t.Outbox),
	}
}

type identityView struct {
	ID              int64      `json:"id"`
	UserAgent       string     `json:"user_agent"`
	Status          string     `json:"status"`
	HealthScore     int        `json:"health_score"`
	RequestsPerDay  int        `json:"requests_per_day"`
	Consecutive429s int        `json:"consecutive_429s"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

func newIdentityView(a *agent.Identity) identityView {
	v := identityView{
		ID:              a.ID,
		UserAgent:       a.UserAgent,
		Status:          string(a.Status),
		HealthScore:     a.HealthScore,
		RequestsPerDay:  a.RequestsPerDay,
		Consecutive429s: a.Consecutive429s,
	}
	if !a.LastUsedAt.IsZero() {
		lastUsed := a.LastUsedAt
		v.LastUsedAt = &lastUsed
	}
	return v
}

// borrowView is the wire shape handed to a consumer on borrow. Unlike
// the listing view it carries the session token, which the consumer
// needs to perform the fetch.
type borrowView struct {
	ID          int64  `json:"id"`
	Token       string `json:"token"`
	UserAgent   string `json:"user_agent"`
	HealthScore int    `json:"health_score"`
}

func borrowedIdentityView(a *agent.Identity) borrowView {
	return borrowView{
		ID:          a.ID,
		Token:       a.Token,
		UserAgent:   a.UserAgent,
		HealthScore: a.HealthScore,
	}
}

type ScheduleView struct {
	ID              int64      `json:"id"`
	SellerID        int64      `json:"seller_id"`
	CronExpr        string     `json:"cron_expr"`
	Status          string     `json:"status"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
}

func scheduleView(s *schedule.Schedule) ScheduleView {
	v := ScheduleView{
		ID:       s.ID,
		SellerID: s.SellerID,
		CronExpr: s.CronExpr,
		Status:   string(s.Status),
	}
	if !s.NextExecutionAt.IsZero() {
		next := s.NextExecutionAt
		v.NextExecutionAt = &next
	}
	if !s.LastExecutedAt.IsZero() {
		last := s.LastExecutedAt
		v.LastExecutedAt = &last
	}
	return v
}
