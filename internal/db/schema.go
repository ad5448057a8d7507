package db

import (
	"database/sql"
	"fmt"
)

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_schedules (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			seller_id BIGINT NOT NULL,
			cron_expr TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			next_execution_at TIMESTAMPTZ,
			last_executed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_schedules table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_tasks (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			scheduler_id BIGINT NOT NULL,
			seller_id BIGINT NOT NULL,
			task_type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			dedup_key TEXT,
			status TEXT NOT NULL DEFAULT 'waiting',
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_tasks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS task_outbox (
			task_id BIGINT PRIMARY KEY REFERENCES crawl_tasks(id),
			idempotency_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_outbox table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS client_identities (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			token TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			health_score INT NOT NULL DEFAULT 100,
			consecutive_429s INT NOT NULL DEFAULT 0,
			requests_per_day INT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create client_identities table: %w", err)
	}

	// Dispatcher and recovery jobs query by status + age
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON crawl_tasks(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON task_outbox(status, processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next ON crawl_schedules(status, next_execution_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup ON crawl_tasks(dedup_key) WHERE dedup_key IS NOT NULL`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Wake the dispatcher as soon as a row becomes pending
	_, err = db.Exec(`
		CREATE OR REPLACE FUNCTION notify_outbox_pending() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('outbox_pending', NEW.task_id::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql
	`)
	if err != nil {
		return fmt.Errorf("failed to create outbox notify function: %w", err)
	}
	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'outbox_pending_trigger') THEN
				CREATE TRIGGER outbox_pending_trigger
					AFTER INSERT OR UPDATE OF status ON task_outbox
					FOR EACH ROW
					WHEN (NEW.status = 'pending')
					EXECUTE FUNCTION notify_outbox_pending();
			END IF;
		END
		$$
	`)
	if err != nil {
		return fmt.Errorf("failed to create outbox notify trigger: %w", err)
	}

	return nil
}
