package domain

import "time"

// EventType enumerates the delivery-lifecycle events recorded in the
// email event log.
type EventType string

const (
	EventSent        EventType = "sent"
	EventProcessed   EventType = "processed"
	EventDelivered   EventType = "delivered"
	EventOpen        EventType = "open"
	EventClick       EventType = "click"
	EventBounce      EventType = "bounce"
	EventDropped     EventType = "dropped"
	EventSpamReport  EventType = "spamreport"
	EventUnsubscribe EventType = "unsubscribe"
	EventResubscribe EventType = "resubscribe"
)

// EmailEvent is an immutable append-only record in the email event log.
// The log is the system of record; campaign counters and contact state are
// derived projections of it. Rows are never updated or deleted.
type EmailEvent struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	CampaignID *string   `json:"campaign_id" db:"campaign_id"`
	ContactID  *string   `json:"contact_id" db:"contact_id"`
	Email      string    `json:"email" db:"email"`
	Type       EventType `json:"event_type" db:"event_type"`

	// Free-form provider metadata.
	MessageID string `json:"message_id,omitempty" db:"message_id"`
	URL       string `json:"url,omitempty" db:"url"`
	Reason    string `json:"reason,omitempty" db:"reason"`

	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// DeliveryTimestamp is a side index keyed by (campaign, email) storing the
// most recent delivered time for that pair. It exists solely to detect and
// discard opens that fire implausibly soon after delivery (image-proxy
// pre-fetch artifacts).
type DeliveryTimestamp struct {
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	Email       string    `json:"email" db:"email"`
	DeliveredAt time.Time `json:"delivered_at" db:"delivered_at"`
}
