package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/personalize"
	"github.com/mailwizard/delivery-core/internal/pkg/logger"
	"github.com/mailwizard/delivery-core/internal/ratelimit"
)

// DefaultBatchSize is the provider payload limit for one transmission.
const DefaultBatchSize = 1000

// RateEndpoint is the rate-limit bucket dispatch consumes.
const RateEndpoint = "dispatch.send"

var (
	// ErrNoRecipients is returned for a send request with an empty list.
	ErrNoRecipients = errors.New("dispatch: no recipients")

	// ErrDomainNotVerified is returned when the from address belongs to a
	// sending domain that has not passed DNS verification.
	ErrDomainNotVerified = errors.New("dispatch: sending domain not verified")
)

// ProviderClient is the outbound provider API contract.
type ProviderClient interface {
	Send(ctx context.Context, t *Transmission) (*Receipt, error)
}

// CampaignStore is the campaign persistence dispatch needs.
type CampaignStore interface {
	UpdateStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error
	IncrementSent(ctx context.Context, campaignID string, n int) error
}

// EventStore appends sent events and records durable per-batch progress so
// a restarted send does not resend completed batches.
type EventStore interface {
	Append(ctx context.Context, e *domain.EmailEvent) error
	BatchAlreadySent(ctx context.Context, campaignID string, batchIndex int) (bool, error)
	RecordBatchSent(ctx context.Context, campaignID string, batchIndex, size int) error
}

// DomainStore looks up a user's sending domain; verification status is
// checked by the caller.
type DomainStore interface {
	GetByName(ctx context.Context, userID, domainName string) (*domain.SendingDomain, error)
}

// RateGate is the per-(user, endpoint) request-rate pre-check.
type RateGate interface {
	Allow(ctx context.Context, userID, endpoint string) (ratelimit.Result, error)
}

// QuotaGate is the monthly allowance pre-check and usage recorder.
type QuotaGate interface {
	Check(ctx context.Context, userID string, plan domain.PlanTier, requested int) error
	Record(ctx context.Context, userID string, n int) error
}

// LinkGenerator produces the per-recipient system links.
type LinkGenerator interface {
	Generate(contactID, campaignID string) string
}

// Recipient is one addressee of a campaign send.
type Recipient struct {
	ContactID string            `json:"contact_id"`
	Email     string            `json:"email"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// SendInput describes one campaign send request.
type SendInput struct {
	CampaignID string
	UserID     string
	Plan       domain.PlanTier
	FromEmail  string
	FromName   string
	Subject    string
	HTMLBody   string
	TextBody   string
	Recipients []Recipient
	Tracking   TrackingOptions
}

// Outcome is the partial-success result of a send: once at least one batch
// succeeded, failures are reported per recipient rather than failing the
// whole operation.
type Outcome struct {
	Sent   int      `json:"sent"`
	Failed []string `json:"failed,omitempty"`
}

// Sender orchestrates campaign sends: gates, personalization, batching,
// provider calls, and side effects.
type Sender struct {
	client    ProviderClient
	campaigns CampaignStore
	events    EventStore
	domains   DomainStore
	rate      RateGate
	quota     QuotaGate
	links     LinkGenerator

	appBaseURL  string
	companyName string
	batchSize   int
	now         func() time.Time
}

// NewSender wires a dispatch sender. batchSize <= 0 means DefaultBatchSize.
func NewSender(client ProviderClient, campaigns CampaignStore, events EventStore,
	domains DomainStore, rate RateGate, quota QuotaGate, links LinkGenerator,
	appBaseURL, companyName string, batchSize int) *Sender {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sender{
		client:      client,
		campaigns:   campaigns,
		events:      events,
		domains:     domains,
		rate:        rate,
		quota:       quota,
		links:       links,
		appBaseURL:  strings.TrimRight(appBaseURL, "/"),
		companyName: companyName,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

// Send runs the full dispatch flow. Both gates are pre-checks: failing
// either prevents any provider call and nothing is sent.
func (s *Sender) Send(ctx context.Context, in SendInput) (*Outcome, error) {
	if len(in.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if _, err := s.rate.Allow(ctx, in.UserID, RateEndpoint); err != nil {
		return nil, err
	}
	if err := s.quota.Check(ctx, in.UserID, in.Plan, len(in.Recipients)); err != nil {
		return nil, err
	}
	if err := s.checkSendingDomain(ctx, in.UserID, in.FromEmail); err != nil {
		return nil, err
	}
	// Catch template problems (an unresolvable system placeholder) before
	// anything is dispatched.
	if err := s.validateTemplates(in); err != nil {
		return nil, err
	}

	if err := s.campaigns.UpdateStatus(ctx, in.CampaignID, domain.CampaignSending); err != nil {
		return nil, fmt.Errorf("dispatch: campaign status: %w", err)
	}

	outcome := &Outcome{}
	batches := chunk(in.Recipients, s.batchSize)
	for i, batch := range batches {
		done, err := s.events.BatchAlreadySent(ctx, in.CampaignID, i)
		if err != nil {
			return nil, fmt.Errorf("dispatch: batch progress lookup: %w", err)
		}
		if done {
			// Sent before a restart; never resend.
			outcome.Sent += len(batch)
			continue
		}

		if err := s.sendBatch(ctx, in, i, batch); err != nil {
			logger.Error("dispatch: batch failed",
				"campaign_id", in.CampaignID, "batch", i, "size", len(batch), "err", err.Error())
			for _, r := range batch {
				outcome.Failed = append(outcome.Failed, r.Email)
			}
			continue
		}
		outcome.Sent += len(batch)
	}

	if err := s.campaigns.UpdateStatus(ctx, in.CampaignID, domain.CampaignSent); err != nil {
		logger.Warn("dispatch: final status update failed",
			"campaign_id", in.CampaignID, "err", err.Error())
	}

	return outcome, nil
}

func (s *Sender) sendBatch(ctx context.Context, in SendInput, batchIndex int, batch []Recipient) error {
	t := &Transmission{Options: in.Tracking}
	t.Content.From.Email = in.FromEmail
	t.Content.From.Name = in.FromName

	// The content carries the raw templates; the provider renders a
	// distinct copy per recipient from that recipient's substitution data.
	// Every placeholder must therefore resolve from the data, so names no
	// recipient field covers are given their bracketed label up front.
	t.Content.Subject = personalize.Normalize(in.Subject)
	t.Content.HTML = personalize.Normalize(in.HTMLBody)
	t.Content.Text = personalize.Normalize(in.TextBody)
	names := templateFieldNames(t.Content.Subject, t.Content.HTML, t.Content.Text)

	for _, r := range batch {
		tr := TransmissionRecipient{
			SubstitutionData: s.substitutionData(in, r, names),
			CustomArgs: map[string]string{
				"contact_id":  r.ContactID,
				"campaign_id": in.CampaignID,
				"user_id":     in.UserID,
			},
		}
		tr.Address.Email = r.Email
		t.Recipients = append(t.Recipients, tr)
	}

	if _, err := s.client.Send(ctx, t); err != nil {
		return err
	}

	// Post-success side effects. The audit trail is best-effort: a failed
	// event row must not fail a send that already happened.
	for _, r := range batch {
		s.appendSentEvent(ctx, in, r)
	}
	if err := s.campaigns.IncrementSent(ctx, in.CampaignID, len(batch)); err != nil {
		logger.Warn("dispatch: sent counter update failed",
			"campaign_id", in.CampaignID, "err", err.Error())
	}
	if err := s.quota.Record(ctx, in.UserID, len(batch)); err != nil {
		logger.Warn("dispatch: usage record failed",
			"user_id", in.UserID, "err", err.Error())
	}
	if err := s.events.RecordBatchSent(ctx, in.CampaignID, batchIndex, len(batch)); err != nil {
		logger.Warn("dispatch: batch progress record failed",
			"campaign_id", in.CampaignID, "batch", batchIndex, "err", err.Error())
	}
	return nil
}

// substitutionData resolves every template field for one recipient:
// user-supplied merge fields by case-insensitive name, system fields
// generated here, and anything left over as its bracketed label.
func (s *Sender) substitutionData(in SendInput, r Recipient, names []string) map[string]string {
	fields := s.recipientFields(in, r)
	data := make(map[string]string, len(fields))
	for k, v := range fields {
		data[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for _, name := range names {
		if _, ok := data[name]; !ok {
			data[name] = personalize.FallbackLabel(name)
		}
	}
	return data
}

// templateFieldNames unions the field names across the three templates,
// preserving first-appearance order.
func templateFieldNames(templates ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tpl := range templates {
		for _, name := range personalize.Fields(tpl) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// recipientFields merges user-supplied merge fields with the
// system-injected ones, which always win.
func (s *Sender) recipientFields(in SendInput, r Recipient) map[string]string {
	fields := make(map[string]string, len(r.Fields)+5)
	for k, v := range r.Fields {
		fields[k] = v
	}
	fields[personalize.FieldUnsubscribeURL] = s.appBaseURL + "/unsubscribe?token=" + s.links.Generate(r.ContactID, in.CampaignID)
	fields[personalize.FieldViewInBrowserURL] = fmt.Sprintf("%s/campaigns/%s/view?contact=%s", s.appBaseURL, in.CampaignID, r.ContactID)
	fields[personalize.FieldSenderAddress] = in.FromEmail
	fields[personalize.FieldCompanyName] = s.companyName
	fields[personalize.FieldCurrentYear] = strconv.Itoa(s.now().UTC().Year())
	return fields
}

// validateTemplates renders each template against a probe recipient so an
// unresolvable system placeholder is caught before any provider call.
func (s *Sender) validateTemplates(in SendInput) error {
	probe := s.recipientFields(in, in.Recipients[0])
	if _, err := personalize.Render(in.Subject, probe); err != nil {
		return err
	}
	if _, err := personalize.Render(in.HTMLBody, probe); err != nil {
		return err
	}
	if in.TextBody != "" {
		if _, err := personalize.Render(in.TextBody, probe); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) checkSendingDomain(ctx context.Context, userID, fromEmail string) error {
	at := strings.LastIndex(fromEmail, "@")
	if at < 1 || at == len(fromEmail)-1 {
		return fmt.Errorf("dispatch: invalid from address %q", fromEmail)
	}
	name := strings.ToLower(fromEmail[at+1:])

	sd, err := s.domains.GetByName(ctx, userID, name)
	if err != nil {
		return err
	}
	if sd == nil || sd.Status != domain.DomainVerified {
		return ErrDomainNotVerified
	}
	return nil
}

func (s *Sender) appendSentEvent(ctx context.Context, in SendInput, r Recipient) {
	now := s.now().UTC()
	contactID := r.ContactID
	err := s.events.Append(ctx, &domain.EmailEvent{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		CampaignID: &in.CampaignID,
		ContactID:  &contactID,
		Email:      r.Email,
		Type:       domain.EventSent,
		OccurredAt: now,
		CreatedAt:  now,
	})
	if err != nil {
		logger.Warn("dispatch: sent event append failed",
			"campaign_id", in.CampaignID, "email", r.Email, "err", err.Error())
	}
}

func chunk(recipients []Recipient, size int) [][]Recipient {
	var out [][]Recipient
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, recipients[start:end])
	}
	return out
}
