package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crawlhub/crawlhub/internal/schedule"
)

// CreateSchedule persists a new schedule and assigns its id.
func (d *DB) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	err := d.client.QueryRowContext(ctx, `
		INSERT INTO crawl_schedules (seller_id, cron_expr, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, s.SellerID, s.CronExpr, s.Status, s.CreatedAt, s.UpdatedAt).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// SaveSchedule updates a schedule's mutable state.
func (d *DB) SaveSchedule(ctx context.Context, s *schedule.Schedule) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE crawl_schedules
		SET cron_expr = $1, status = $2, next_execution_at = $3, last_executed_at = $4, updated_at = $5
		WHERE id = $6
	`, s.CronExpr, s.Status, nullTime(s.NextExecutionAt), nullTime(s.LastExecutedAt), s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", s.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// GetSchedule loads a schedule by id.
func (d *DB) GetSchedule(ctx context.Context, id int64) (*schedule.Schedule, error) {
	row := d.client.QueryRowContext(ctx, scheduleSelect+` WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule %d: %w", id, err)
	}
	return s, nil
}

// ListDueSchedules returns active schedules whose next execution time
// has passed (or was never computed), up to limit.
func (d *DB) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*schedule.Schedule, error) {
	rows, err := d.client.QueryContext(ctx, scheduleSelect+`
		WHERE status = $1 AND (next_execution_at IS NULL OR next_execution_at <= $2)
		ORDER BY next_execution_at ASC NULLS FIRST
		LIMIT $3
	`, schedule.StatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*schedule.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

const scheduleSelect = `
	SELECT id, seller_id, cron_expr, status, next_execution_at, last_executed_at, created_at, updated_at
	FROM crawl_schedules
`

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var (
		id, sellerID         int64
		cronExpr, status     string
		nextExec, lastExec   sql.NullTime
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &sellerID, &cronExpr, &status, &nextExec, &lastExec, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	return schedule.Reconstitute(
		id, sellerID, cronExpr, schedule.Status(status),
		nextExec.Time, lastExec.Time, createdAt, updatedAt,
	), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
