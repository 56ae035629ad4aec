package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// EventRepo implements the append-only email event log and its side
// indexes: delivery timestamps, click dedup rows, and send-batch progress.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Append writes one event row. The log is insert-only; rows are never
// updated or deleted.
func (r *EventRepo) Append(ctx context.Context, e *domain.EmailEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_email_events
			(id, user_id, campaign_id, contact_id, email, event_type,
			 message_id, url, reason, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, e.ID, e.UserID, e.CampaignID, e.ContactID, e.Email, e.Type,
		e.MessageID, e.URL, e.Reason, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// UpsertDeliveryTimestamp records the latest delivered time for a
// (campaign, email) pair.
func (r *EventRepo) UpsertDeliveryTimestamp(ctx context.Context, campaignID, email string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_delivery_timestamps (campaign_id, email, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, email)
		DO UPDATE SET delivered_at = EXCLUDED.delivered_at
	`, campaignID, email, at)
	if err != nil {
		return fmt.Errorf("upsert delivery timestamp: %w", err)
	}
	return nil
}

// DeliveryTimestamp reads the recorded delivered time for a pair. The bool
// reports whether a row exists.
func (r *EventRepo) DeliveryTimestamp(ctx context.Context, campaignID, email string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT delivered_at FROM mw_delivery_timestamps
		WHERE campaign_id = $1 AND email = $2
	`, campaignID, email).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get delivery timestamp: %w", err)
	}
	return at, true, nil
}

// InsertClick records one (campaign, contact, url) click row. A duplicate
// is a silent no-op reported as inserted=false.
func (r *EventRepo) InsertClick(ctx context.Context, campaignID, contactID, url string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_clicks (campaign_id, contact_id, url, clicked_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (campaign_id, contact_id, url) DO NOTHING
	`, campaignID, contactID, url)
	if err != nil {
		return false, fmt.Errorf("insert click: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BatchAlreadySent reports whether a send batch completed before a restart.
func (r *EventRepo) BatchAlreadySent(ctx context.Context, campaignID string, batchIndex int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mw_send_batches
			WHERE campaign_id = $1 AND batch_index = $2
		)
	`, campaignID, batchIndex).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("batch lookup: %w", err)
	}
	return exists, nil
}

// RecordBatchSent durably marks a batch as dispatched.
func (r *EventRepo) RecordBatchSent(ctx context.Context, campaignID string, batchIndex, size int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_send_batches (campaign_id, batch_index, size, sent_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (campaign_id, batch_index) DO NOTHING
	`, campaignID, batchIndex, size)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	return nil
}
