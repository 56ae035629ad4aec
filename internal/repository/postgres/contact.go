package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/unsubscribe"
)

// ContactRepo implements contact persistence against PostgreSQL. State
// transitions are conditional updates: the reported bool is RowsAffected,
// which makes re-applying the same transition a detectable no-op.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

const contactColumns = `id, user_id, email, status, engagement_score,
	unsubscribed_at, unsubscribe_campaign_id, created_at, updated_at`

// GetByID returns unsubscribe.ErrContactNotFound for a missing contact, so
// the unsubscribe flows can distinguish an unknown contact from a database
// failure.
func (r *ContactRepo) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *ContactRepo) GetByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	return r.getOne(ctx, `WHERE LOWER(email) = LOWER($1)`, email)
}

func (r *ContactRepo) getOne(ctx context.Context, where string, arg interface{}) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM mw_contacts `+where, arg,
	).Scan(
		&c.ID, &c.UserID, &c.Email, &c.Status, &c.EngagementScore,
		&c.UnsubscribedAt, &c.UnsubscribeCampaignID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, unsubscribe.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

// MarkUnsubscribed flips a contact to unsubscribed, recording when and
// through which campaign. Returns false when the contact was already
// unsubscribed.
func (r *ContactRepo) MarkUnsubscribed(ctx context.Context, contactID, campaignID string, at time.Time) (bool, error) {
	var campaign interface{}
	if campaignID != "" {
		campaign = campaignID
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE mw_contacts
		SET status = $1, unsubscribed_at = $2, unsubscribe_campaign_id = $3, updated_at = NOW()
		WHERE id = $4 AND status <> $1
	`, domain.ContactUnsubscribed, at, campaign, contactID)
	if err != nil {
		return false, fmt.Errorf("mark unsubscribed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkActive restores an unsubscribed or bounced contact. Returns false when
// the contact was already active.
func (r *ContactRepo) MarkActive(ctx context.Context, contactID string) (bool, error) {
	return r.setStatus(ctx, contactID, domain.ContactActive,
		`unsubscribed_at = NULL, unsubscribe_campaign_id = NULL`)
}

func (r *ContactRepo) MarkBounced(ctx context.Context, contactID string) (bool, error) {
	return r.setStatus(ctx, contactID, domain.ContactBounced, "")
}

func (r *ContactRepo) MarkComplained(ctx context.Context, contactID string) (bool, error) {
	return r.setStatus(ctx, contactID, domain.ContactComplained, "")
}

func (r *ContactRepo) setStatus(ctx context.Context, contactID string, status domain.ContactStatus, extraSet string) (bool, error) {
	sets := []string{`status = $1`, `updated_at = NOW()`}
	if extraSet != "" {
		sets = append(sets, extraSet)
	}
	q := `UPDATE mw_contacts SET ` + strings.Join(sets, ", ") + ` WHERE id = $2 AND status <> $1`

	res, err := r.db.ExecContext(ctx, q, status, contactID)
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdjustEngagement applies a signed delta to the engagement score.
func (r *ContactRepo) AdjustEngagement(ctx context.Context, contactID string, delta int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mw_contacts
		SET engagement_score = engagement_score + $1, updated_at = NOW()
		WHERE id = $2
	`, delta, contactID)
	if err != nil {
		return fmt.Errorf("adjust engagement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
