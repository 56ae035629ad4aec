package domain

import "time"

// ContactStatus enumerates the states a contact can be in.
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
)

// Engagement score deltas applied per event type.
const (
	EngagementOpenDelta        = 1
	EngagementClickDelta       = 3
	EngagementBounceDelta      = -5
	EngagementComplaintDelta   = -10
	EngagementUnsubscribeDelta = -15
)

// Contact represents a single email recipient owned by a user account.
// Email is unique per owner. Status transitions are idempotent: re-applying
// "unsubscribed" to an already-unsubscribed contact changes nothing.
type Contact struct {
	ID     string        `json:"id" db:"id"`
	UserID string        `json:"user_id" db:"user_id"`
	Email  string        `json:"email" db:"email"`
	Status ContactStatus `json:"status" db:"status"`

	// EngagementScore is a derived integer adjusted by weighted point
	// deltas per event type (+1 open, +3 click, -5 bounce, -10 complaint,
	// -15 unsubscribe).
	EngagementScore int `json:"engagement_score" db:"engagement_score"`

	UnsubscribedAt        *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	UnsubscribeCampaignID *string    `json:"unsubscribe_campaign_id" db:"unsubscribe_campaign_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
