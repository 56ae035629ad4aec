package domain

import "time"

// DomainStatus enumerates sending domain verification states.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// DNSRecord is a single DNS record required for a sending domain, with its
// own validity flag from the most recent verification pass.
type DNSRecord struct {
	Type  string `json:"type" db:"record_type"` // "dkim", "spf", "mail_cname"
	Host  string `json:"host" db:"host"`
	Value string `json:"value" db:"value"`
	Valid bool   `json:"valid" db:"valid"`
}

// SendingDomain represents a custom domain a user sends from, with its
// DKIM/SPF/mail-CNAME records and aggregate verification status. Dispatch
// consults it to validate the from address before sending.
type SendingDomain struct {
	ID        string       `json:"id" db:"id"`
	UserID    string       `json:"user_id" db:"user_id"`
	Domain    string       `json:"domain" db:"domain"`
	Status    DomainStatus `json:"status" db:"status"`
	Records   []DNSRecord  `json:"records"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// PlanTier identifies a billing plan with a monthly send allowance.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPro     PlanTier = "pro"
	PlanProPlus PlanTier = "pro_plus"
)

// MonthlyUsage tracks emails sent per (user, month, year) for quota
// enforcement. Mutated only through atomic database increments.
type MonthlyUsage struct {
	UserID     string    `json:"user_id" db:"user_id"`
	Month      int       `json:"month" db:"month"`
	Year       int       `json:"year" db:"year"`
	EmailsSent int       `json:"emails_sent" db:"emails_sent"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
