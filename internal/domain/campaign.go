package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignSending CampaignStatus = "sending"
	CampaignSent    CampaignStatus = "sent"
)

// Campaign represents one outbound send job and its aggregate delivery
// statistics. Counters are denormalized projections of the email event log
// and are only ever mutated through atomic database increments.
type Campaign struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"user_id" db:"user_id"`
	Name      string         `json:"name" db:"name"`
	Subject   string         `json:"subject" db:"subject"`
	FromName  string         `json:"from_name" db:"from_name"`
	FromEmail string         `json:"from_email" db:"from_email"`
	Status    CampaignStatus `json:"status" db:"status"`

	// Stats (read-only, populated by queries)
	SentCount        int `json:"sent_count" db:"sent_count"`
	DeliveredCount   int `json:"delivered_count" db:"delivered_count"`
	OpenCount        int `json:"open_count" db:"open_count"`
	ClickCount       int `json:"click_count" db:"click_count"`
	BounceCount      int `json:"bounce_count" db:"bounce_count"`
	ComplaintCount   int `json:"complaint_count" db:"complaint_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent
}
