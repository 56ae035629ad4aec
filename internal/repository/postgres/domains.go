package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// DomainRepo implements sending-domain persistence against PostgreSQL.
type DomainRepo struct{ db *sql.DB }

// NewDomainRepo creates a Postgres-backed sending-domain repository.
func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

// Create registers a domain for a user in pending state with its expected
// DNS records.
func (r *DomainRepo) Create(ctx context.Context, d *domain.SendingDomain) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DomainPending
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mw_sending_domains (id, user_id, domain, status, created_at, updated_at)
		VALUES ($1, $2, LOWER($3), $4, NOW(), NOW())
	`, d.ID, d.UserID, d.Domain, d.Status)
	if err != nil {
		return "", fmt.Errorf("create domain: %w", err)
	}

	for _, rec := range d.Records {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mw_domain_records (domain_id, record_type, host, value, valid)
			VALUES ($1, $2, $3, $4, $5)
		`, d.ID, rec.Type, rec.Host, rec.Value, rec.Valid)
		if err != nil {
			return "", fmt.Errorf("create domain record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return d.ID, nil
}

// GetByName looks up a user's domain by name regardless of status. A
// missing row returns (nil, nil); callers decide what an absent domain
// means for them.
func (r *DomainRepo) GetByName(ctx context.Context, userID, name string) (*domain.SendingDomain, error) {
	d := &domain.SendingDomain{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, domain, status, created_at, updated_at
		FROM mw_sending_domains
		WHERE user_id = $1 AND domain = LOWER($2)
	`, userID, name).Scan(
		&d.ID, &d.UserID, &d.Domain, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// ListByUser returns all of a user's domains with their DNS records.
func (r *DomainRepo) ListByUser(ctx context.Context, userID string) ([]domain.SendingDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, domain, status, created_at, updated_at
		FROM mw_sending_domains
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []domain.SendingDomain
	for rows.Next() {
		var d domain.SendingDomain
		if err := rows.Scan(&d.ID, &d.UserID, &d.Domain, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	for i := range out {
		if out[i].Records, err = r.records(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateVerification stores the outcome of a DNS verification pass: the
// per-record validity flags and the aggregate status.
func (r *DomainRepo) UpdateVerification(ctx context.Context, domainID string, status domain.DomainStatus, records []domain.DNSRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mw_sending_domains SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, domainID)
	if err != nil {
		return fmt.Errorf("update domain status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, rec := range records {
		_, err = tx.ExecContext(ctx, `
			UPDATE mw_domain_records SET valid = $1
			WHERE domain_id = $2 AND record_type = $3
		`, rec.Valid, domainID, rec.Type)
		if err != nil {
			return fmt.Errorf("update domain record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *DomainRepo) records(ctx context.Context, domainID string) ([]domain.DNSRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT record_type, host, value, valid
		FROM mw_domain_records
		WHERE domain_id = $1
		ORDER BY record_type
	`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list domain records: %w", err)
	}
	defer rows.Close()

	var out []domain.DNSRecord
	for rows.Next() {
		var rec domain.DNSRecord
		if err := rows.Scan(&rec.Type, &rec.Host, &rec.Value, &rec.Valid); err != nil {
			return nil, fmt.Errorf("scan domain record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
