package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("postgres: not found")

// CampaignRepo implements campaign persistence against PostgreSQL.
//
// Each counter has its own increment method on purpose: every event handler
// calls exactly the column it owns, so no handler can bump a counter it was
// not written for.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, from_name, from_email, status,
		       sent_count, delivered_count, open_count, click_count,
		       bounce_count, complaint_count, unsubscribe_count,
		       started_at, completed_at, created_at, updated_at
		FROM mw_campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.Status,
		&c.SentCount, &c.DeliveredCount, &c.OpenCount, &c.ClickCount,
		&c.BounceCount, &c.ComplaintCount, &c.UnsubscribeCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mw_campaigns
			(id, user_id, name, subject, from_name, from_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, c.ID, c.UserID, c.Name, c.Subject, c.FromName, c.FromEmail, c.Status)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

// UpdateStatus moves a campaign through its lifecycle, stamping started_at
// on the first transition to sending and completed_at on sent.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	q := `UPDATE mw_campaigns SET status = $1, updated_at = NOW()`
	switch status {
	case domain.CampaignSending:
		q += `, started_at = COALESCE(started_at, NOW())`
	case domain.CampaignSent:
		q += `, completed_at = NOW()`
	}
	q += ` WHERE id = $2`

	res, err := r.db.ExecContext(ctx, q, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSent adds a whole accepted batch to the sent counter.
func (r *CampaignRepo) IncrementSent(ctx context.Context, id string, n int) error {
	return r.increment(ctx, id, "sent_count", n)
}

func (r *CampaignRepo) IncrementDelivered(ctx context.Context, id string) error {
	return r.increment(ctx, id, "delivered_count", 1)
}

func (r *CampaignRepo) IncrementOpens(ctx context.Context, id string) error {
	return r.increment(ctx, id, "open_count", 1)
}

func (r *CampaignRepo) IncrementClicks(ctx context.Context, id string) error {
	return r.increment(ctx, id, "click_count", 1)
}

func (r *CampaignRepo) IncrementBounces(ctx context.Context, id string) error {
	return r.increment(ctx, id, "bounce_count", 1)
}

func (r *CampaignRepo) IncrementComplaints(ctx context.Context, id string) error {
	return r.increment(ctx, id, "complaint_count", 1)
}

func (r *CampaignRepo) IncrementUnsubscribes(ctx context.Context, id string) error {
	return r.increment(ctx, id, "unsubscribe_count", 1)
}

func (r *CampaignRepo) increment(ctx context.Context, id, column string, n int) error {
	// column is always one of the fixed counter names above, never input.
	q := fmt.Sprintf(`UPDATE mw_campaigns SET %s = %s + $1, updated_at = NOW() WHERE id = $2`,
		column, column)
	res, err := r.db.ExecContext(ctx, q, n, id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
