package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageRepo implements monthly send-usage tracking against PostgreSQL.
type UsageRepo struct{ db *sql.DB }

// NewUsageRepo creates a Postgres-backed usage repository.
func NewUsageRepo(db *sql.DB) *UsageRepo { return &UsageRepo{db: db} }

// CurrentUsage returns emails sent by a user in the given month. A missing
// row means zero usage, not an error.
func (r *UsageRepo) CurrentUsage(ctx context.Context, userID string, month, year int) (int, error) {
	var sent int
	err := r.db.QueryRowContext(ctx, `
		SELECT emails_sent FROM mw_usage
		WHERE user_id = $1 AND month = $2 AND year = $3
	`, userID, month, year).Scan(&sent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return sent, nil
}

// Add atomically adds n to a user's monthly counter, creating the row on
// first use of the month.
func (r *UsageRepo) Add(ctx context.Context, userID string, month, year, n int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_usage (user_id, month, year, emails_sent, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, month, year)
		DO UPDATE SET emails_sent = mw_usage.emails_sent + EXCLUDED.emails_sent,
		              updated_at = NOW()
	`, userID, month, year, n)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}
