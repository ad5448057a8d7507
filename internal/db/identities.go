package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crawlhub/crawlhub/internal/agent"
)

// LoadIdentities reads the full client identity set. The pool holds
// these in memory; this runs at startup and after admin changes.
func (d *DB) LoadIdentities(ctx context.Context) ([]*agent.Identity, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, token, user_agent, status, health_score, consecutive_429s, requests_per_day, last_used_at, created_at, updated_at
		FROM client_identities
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query client identities: %w", err)
	}
	defer rows.Close()

	var identities []*agent.Identity
	for rows.Next() {
		var (
			a        agent.Identity
			status   string
			lastUsed sql.NullTime
		)
		err := rows.Scan(&a.ID, &a.Token, &a.UserAgent, &status, &a.HealthScore,
			&a.Consecutive429s, &a.RequestsPerDay, &lastUsed, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client identity: %w", err)
		}
		a.Status = agent.Status(status)
		a.LastUsedAt = lastUsed.Time
		identities = append(identities, &a)
	}
	return identities, rows.Err()
}

// SaveIdentity flushes one identity's mutable state back to the store.
func (d *DB) SaveIdentity(ctx context.Context, a *agent.Identity) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE client_identities
		SET status = $1, health_score = $2, consecutive_429s = $3, requests_per_day = $4, last_used_at = $5, updated_at = $6
		WHERE id = $7
	`, a.Status, a.HealthScore, a.Consecutive429s, a.RequestsPerDay, nullTime(a.LastUsedAt), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update client identity %d: %w", a.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return agent.ErrNotFound
	}
	return nil
}

// SeedIdentities inserts identity rows when the table is empty, so a
// fresh deployment starts with a usable pool.
func (d *DB) SeedIdentities(ctx context.Context, seeds []*agent.Identity, now time.Time) error {
	return d.Execute(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_identities`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count client identities: %w", err)
		}
		if count > 0 {
			return nil
		}
		for _, a := range seeds {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO client_identities (token, user_agent, status, health_score, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, a.Token, a.UserAgent, agent.StatusIdle, agent.HealthInitial, now, now)
			if err != nil {
				return fmt.Errorf("failed to seed client identity: %w", err)
			}
		}
		return nil
	})
}
