package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crawlhub/crawlhub/internal/task"
)

// CreateTaskWithOutbox persists a new task and its outbox row in a
// single transaction. The task id is assigned by the database, so the
// outbox payload (which carries the id) is built after the insert but
// before commit.
func (d *DB) CreateTaskWithOutbox(ctx context.Context, t *task.Task, now time.Time) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO crawl_tasks (scheduler_id, seller_id, task_type, endpoint, status, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, t.SchedulerID, t.SellerID, t.Type, t.Endpoint, t.Status, t.RetryCount, t.CreatedAt, t.UpdatedAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		t.AssignID(id)

		payload, err := t.BuildPayload()
		if err != nil {
			return err
		}
		if err := t.InitializeOutbox(payload, now); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_outbox (task_id, idempotency_key, payload, status, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.ID, t.Outbox.IdempotencyKey, t.Outbox.Payload, t.Outbox.Status, t.Outbox.RetryCount, t.Outbox.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert outbox row: %w", err)
		}
		return nil
	})
}

// CreateChildTask persists a fan-out child task keyed by its
// deterministic dedup key. When a task with the same key already exists
// the insert is skipped and (false, nil) is returned, so replaying a
// parent result never duplicates children. The outbox row reuses the
// dedup key as its idempotency key.
func (d *DB) CreateChildTask(ctx context.Context, t *task.Task, dedupKey string, now time.Time) (bool, error) {
	created := false
	err := d.Execute(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO crawl_tasks (scheduler_id, seller_id, task_type, endpoint, dedup_key, status, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (dedup_key) DO NOTHING
			RETURNING id
		`, t.SchedulerID, t.SellerID, t.Type, t.Endpoint, dedupKey, t.Status, t.RetryCount, t.CreatedAt, t.UpdatedAt).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert child task: %w", err)
		}
		t.AssignID(id)

		payload, err := t.BuildPayload()
		if err != nil {
			return err
		}
		if err := t.InitializeOutboxWithKey(dedupKey, payload, now); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_outbox (task_id, idempotency_key, payload, status, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.ID, t.Outbox.IdempotencyKey, t.Outbox.Payload, t.Outbox.Status, t.Outbox.RetryCount, t.Outbox.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert child outbox row: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

// SaveTask updates a task's mutable state, and its outbox row when one
// exists.
func (d *DB) SaveTask(ctx context.Context, t *task.Task) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		return saveTaskTx(ctx, tx, t)
	})
}

// SaveTasks updates a batch of tasks in one transaction.
func (d *DB) SaveTasks(ctx context.Context, tasks []*task.Task) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := saveTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = $1, retry_count = $2, updated_at = $3
		WHERE id = $4
	`, t.Status, t.RetryCount, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return task.ErrNotFound
	}

	if t.Outbox == nil {
		return nil
	}

	var processedAt sql.NullTime
	if !t.Outbox.ProcessedAt.IsZero() {
		processedAt = sql.NullTime{Time: t.Outbox.ProcessedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_outbox (task_id, idempotency_key, payload, status, retry_count, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			payload = EXCLUDED.payload,
			processed_at = EXCLUDED.processed_at
	`, t.ID, t.Outbox.IdempotencyKey, t.Outbox.Payload, t.Outbox.Status, t.Outbox.RetryCount, t.Outbox.CreatedAt, processedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert outbox row for task %d: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `
	t.id, t.scheduler_id, t.seller_id, t.task_type, t.endpoint, t.status, t.retry_count, t.created_at, t.updated_at,
	o.idempotency_key, o.payload, o.status, o.retry_count, o.created_at, o.processed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		id, schedulerID, sellerID int64
		taskType, endpoint        string
		status                    string
		retryCount                int
		createdAt, updatedAt      time.Time

		obKey, obPayload, obStatus sql.NullString
		obRetry                    sql.NullInt64
		obCreatedAt, obProcessedAt sql.NullTime
	)

	err := row.Scan(
		&id, &schedulerID, &sellerID, &taskType, &endpoint, &status, &retryCount, &createdAt, &updatedAt,
		&obKey, &obPayload, &obStatus, &obRetry, &obCreatedAt, &obProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	var outbox *task.Outbox
	if obKey.Valid {
		outbox = task.ReconstituteOutbox(
			id, obKey.String, obPayload.String,
			task.OutboxStatus(obStatus.String), int(obRetry.Int64),
			obCreatedAt.Time, obProcessedAt.Time,
		)
	}

	return task.Reconstitute(
		id, schedulerID, sellerID,
		task.Type(taskType), endpoint,
		task.Status(status), retryCount, outbox,
		createdAt, updatedAt,
	), nil
}

// GetTask loads a task and its outbox row by id.
func (d *DB) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := d.client.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM crawl_tasks t
		LEFT JOIN task_outbox o ON o.task_id = t.id
		WHERE t.id = $1
	`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task %d: %w", id, err)
	}
	return t, nil
}

// ClaimPendingOutbox atomically moves up to limit pending outbox rows to
// processing and returns their tasks. FOR UPDATE SKIP LOCKED lets
// concurrent dispatcher instances each claim different rows.
func (d *DB) ClaimPendingOutbox(ctx context.Context, limit int, now time.Time) ([]*task.Task, error) {
	var claimed []*task.Task

	err := d.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM task_outbox o
			JOIN crawl_tasks t ON t.id = o.task_id
			WHERE o.status = $1
			ORDER BY o.created_at ASC
			LIMIT $2
			FOR UPDATE OF o SKIP LOCKED
		`, task.OutboxStatusPending, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending outbox rows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan outbox row: %w", err)
			}
			claimed = append(claimed, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range claimed {
			if err := t.Outbox.MarkProcessing(now); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE task_outbox SET status = $1, processed_at = $2 WHERE task_id = $3
			`, t.Outbox.Status, t.Outbox.ProcessedAt, t.ID)
			if err != nil {
				return fmt.Errorf("failed to claim outbox row %d: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FindRunningOlderThan returns running tasks whose last update is before
// the cutoff, up to batchSize.
func (d *DB) FindRunningOlderThan(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM crawl_tasks t
		LEFT JOIN task_outbox o ON o.task_id = t.id
		WHERE t.status = $1 AND t.updated_at < $2
		ORDER BY t.updated_at ASC
		LIMIT $3
	`, task.StatusRunning, cutoff, batchSize)
}

// FindStaleProcessing returns tasks whose outbox rows have sat in
// processing since before the cutoff, up to batchSize. These are
// dispatcher crash leftovers.
func (d *DB) FindStaleProcessing(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM crawl_tasks t
		JOIN task_outbox o ON o.task_id = t.id
		WHERE o.status = $1 AND o.processed_at < $2
		ORDER BY o.processed_at ASC
		LIMIT $3
	`, task.OutboxStatusProcessing, cutoff, batchSize)
}

// FindFailedOutboxOlderThan returns tasks whose outbox rows failed
// before the cutoff, up to batchSize.
func (d *DB) FindFailedOutboxOlderThan(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM crawl_tasks t
		JOIN task_outbox o ON o.task_id = t.id
		WHERE o.status = $1 AND o.processed_at < $2
		ORDER BY o.processed_at ASC
		LIMIT $3
	`, task.OutboxStatusFailed, cutoff, batchSize)
}

// ListOutbox returns tasks with outbox rows in any of the given
// statuses, newest first. Admin surface.
func (d *DB) ListOutbox(ctx context.Context, statuses []task.OutboxStatus, limit, offset int) ([]*task.Task, error) {
	if len(statuses) == 0 {
		statuses = []task.OutboxStatus{task.OutboxStatusPending, task.OutboxStatusFailed}
	}
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM crawl_tasks t
		JOIN task_outbox o ON o.task_id = t.id
		WHERE o.status = ANY($1)
		ORDER BY o.created_at DESC
		LIMIT $2 OFFSET $3
	`, pq.Array(statusStrings(statuses)), limit, offset)
}

func statusStrings(statuses []task.OutboxStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CountTasksByStatus derives the task status breakdown on demand.
func (d *DB) CountTasksByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM crawl_tasks GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = count
	}
	return counts, rows.Err()
}

// CountOutboxByStatus derives the outbox status breakdown on demand.
func (d *DB) CountOutboxByStatus(ctx context.Context) (map[task.OutboxStatus]int, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM task_outbox GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[task.OutboxStatus(status)] = count
	}
	return counts, rows.Err()
}

func (d *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := d.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
