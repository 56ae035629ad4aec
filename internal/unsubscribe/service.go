package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/pkg/logger"
)

// Result is the outcome reported to the user-facing confirmation page via
// the redirect's result parameter.
type Result string

const (
	ResultSuccess Result = "success"
	ResultAlready Result = "already"
	ResultError   Result = "error"
)

// ErrContactNotFound is returned when a token or resubscribe request names
// a contact that does not exist.
var ErrContactNotFound = errors.New("unsubscribe: contact not found")

// ErrInvalidEmail is returned for a resubscribe request with a bad address.
var ErrInvalidEmail = errors.New("unsubscribe: invalid email address")

// ContactStore is the contact persistence contract this service needs.
// Lookups report a missing contact as ErrContactNotFound. Transition
// methods report whether a row actually changed so idempotent
// re-application never double-counts.
type ContactStore interface {
	GetByID(ctx context.Context, id string) (*domain.Contact, error)
	GetByEmail(ctx context.Context, email string) (*domain.Contact, error)
	MarkUnsubscribed(ctx context.Context, contactID, campaignID string, at time.Time) (bool, error)
	MarkActive(ctx context.Context, contactID string) (bool, error)
	AdjustEngagement(ctx context.Context, contactID string, delta int) error
}

// CampaignCounters is the single dedicated unsubscribe-counter operation.
type CampaignCounters interface {
	IncrementUnsubscribes(ctx context.Context, campaignID string) error
}

// EventStore appends to the email event log.
type EventStore interface {
	Append(ctx context.Context, e *domain.EmailEvent) error
}

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Service performs the unsubscribe and resubscribe state transitions.
type Service struct {
	codec     *TokenCodec
	contacts  ContactStore
	campaigns CampaignCounters
	events    EventStore
}

// NewService wires the unsubscribe service.
func NewService(codec *TokenCodec, contacts ContactStore, campaigns CampaignCounters, events EventStore) *Service {
	return &Service{codec: codec, contacts: contacts, campaigns: campaigns, events: events}
}

// Unsubscribe validates the link token and applies the transition. The
// transition is idempotent: an already-unsubscribed contact yields
// ResultAlready with no counter increment and no event row.
func (s *Service) Unsubscribe(ctx context.Context, token string) (Result, error) {
	contactID, campaignID, err := s.codec.Validate(token)
	if err != nil {
		return ResultError, err
	}

	contact, err := s.contacts.GetByID(ctx, contactID)
	if err != nil {
		return ResultError, err
	}

	changed, err := s.contacts.MarkUnsubscribed(ctx, contactID, campaignID, time.Now().UTC())
	if err != nil {
		return ResultError, fmt.Errorf("unsubscribe: transition: %w", err)
	}
	if !changed {
		return ResultAlready, nil
	}

	if err := s.campaigns.IncrementUnsubscribes(ctx, campaignID); err != nil {
		return ResultError, fmt.Errorf("unsubscribe: counter: %w", err)
	}
	if err := s.contacts.AdjustEngagement(ctx, contactID, domain.EngagementUnsubscribeDelta); err != nil {
		logger.Warn("unsubscribe: engagement adjust failed", "contact_id", contactID, "err", err.Error())
	}

	s.appendEvent(ctx, contact, &campaignID, domain.EventUnsubscribe)
	return ResultSuccess, nil
}

// Resubscribe idempotently flips an unsubscribed contact back to active.
// A contact that is already active is a success without mutation.
func (s *Service) Resubscribe(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailRe.MatchString(email) {
		return ErrInvalidEmail
	}

	contact, err := s.contacts.GetByEmail(ctx, email)
	if err != nil {
		return err
	}

	if contact.Status != domain.ContactUnsubscribed {
		return nil
	}

	if _, err := s.contacts.MarkActive(ctx, contact.ID); err != nil {
		return fmt.Errorf("unsubscribe: reactivate: %w", err)
	}

	s.appendEvent(ctx, contact, nil, domain.EventResubscribe)
	return nil
}

// appendEvent is best-effort: the state transition already happened, and a
// failed audit row must not fail the user-visible operation.
func (s *Service) appendEvent(ctx context.Context, contact *domain.Contact, campaignID *string, typ domain.EventType) {
	now := time.Now().UTC()
	err := s.events.Append(ctx, &domain.EmailEvent{
		ID:         uuid.New().String(),
		UserID:     contact.UserID,
		CampaignID: campaignID,
		ContactID:  &contact.ID,
		Email:      contact.Email,
		Type:       typ,
		OccurredAt: now,
		CreatedAt:  now,
	})
	if err != nil {
		logger.Warn("unsubscribe: event log append failed",
			"type", string(typ), "contact_id", contact.ID, "err", err.Error())
	}
}
