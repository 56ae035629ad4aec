package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwizard/delivery-core/internal/domain"
)

func TestCampaignGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, user_id, name, subject, from_name, from_email, status").
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "subject", "from_name", "from_email", "status",
			"sent_count", "delivered_count", "open_count", "click_count",
			"bounce_count", "complaint_count", "unsubscribe_count",
			"started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(
			"camp-1", "u-1", "March promo", "Hi", "Acme", "news@mail.example.com", "sending",
			1000, 990, 120, 30, 5, 1, 2, now, nil, now, now,
		))

	repo := NewCampaignRepo(db)
	c, err := repo.Get(context.Background(), "camp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignSending, c.Status)
	assert.Equal(t, 990, c.DeliveredCount)
	assert.Equal(t, 2, c.UnsubscribeCount)
	require.NotNil(t, c.StartedAt)
	assert.Nil(t, c.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, user_id, name").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewCampaignRepo(db)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCampaignUpdateStatusStampsLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE mw_campaigns SET status = \$1, updated_at = NOW\(\), started_at = COALESCE`).
		WithArgs("sending", "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE mw_campaigns SET status = \$1, updated_at = NOW\(\), completed_at = NOW\(\)`).
		WithArgs("sent", "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewCampaignRepo(db)
	require.NoError(t, repo.UpdateStatus(context.Background(), "camp-1", domain.CampaignSending))
	require.NoError(t, repo.UpdateStatus(context.Background(), "camp-1", domain.CampaignSent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignIncrementsTouchOnlyTheirColumn(t *testing.T) {
	cases := []struct {
		column string
		call   func(repo *CampaignRepo) error
	}{
		{"delivered_count", func(r *CampaignRepo) error { return r.IncrementDelivered(context.Background(), "camp-1") }},
		{"open_count", func(r *CampaignRepo) error { return r.IncrementOpens(context.Background(), "camp-1") }},
		{"click_count", func(r *CampaignRepo) error { return r.IncrementClicks(context.Background(), "camp-1") }},
		{"bounce_count", func(r *CampaignRepo) error { return r.IncrementBounces(context.Background(), "camp-1") }},
		{"complaint_count", func(r *CampaignRepo) error { return r.IncrementComplaints(context.Background(), "camp-1") }},
		{"unsubscribe_count", func(r *CampaignRepo) error { return r.IncrementUnsubscribes(context.Background(), "camp-1") }},
	}

	for _, tc := range cases {
		t.Run(tc.column, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectExec(`UPDATE mw_campaigns SET ` + tc.column + ` = ` + tc.column + ` \+ \$1`).
				WithArgs(1, "camp-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			repo := NewCampaignRepo(db)
			require.NoError(t, tc.call(repo))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCampaignIncrementSentBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE mw_campaigns SET sent_count = sent_count \+ \$1`).
		WithArgs(1000, "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewCampaignRepo(db)
	require.NoError(t, repo.IncrementSent(context.Background(), "camp-1", 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignIncrementMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE mw_campaigns SET delivered_count`).
		WithArgs(1, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewCampaignRepo(db)
	assert.ErrorIs(t, repo.IncrementDelivered(context.Background(), "missing"), ErrNotFound)
}
