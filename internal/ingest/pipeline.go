// Package ingest processes delivery-event webhook batches: it appends every
// event to the email event log, then drives the per-contact state machine
// and the campaign counter projections.
//
// Ordering: events for the same (campaign, email) pair are serialized so the
// delivered-before-open invariant holds; events for different pairs may be
// processed under concurrent webhook deliveries. The delivery-timestamp
// write inside delivered-handling is synchronous and awaited before the
// handler returns, because open deduplication reads it.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/pkg/logger"
)

// ProxyOpenWindow is the gap below which an open is treated as a
// provider-side image-proxy pre-fetch rather than a real open.
const ProxyOpenWindow = time.Second

// CampaignCounters mutates campaign aggregate counters. One dedicated
// method per counter type: delivered-counting (and every other counter)
// lives in exactly one code path, which is how the historical
// double-counted-delivered bug stays dead.
type CampaignCounters interface {
	IncrementDelivered(ctx context.Context, campaignID string) error
	IncrementOpens(ctx context.Context, campaignID string) error
	IncrementClicks(ctx context.Context, campaignID string) error
	IncrementBounces(ctx context.Context, campaignID string) error
	IncrementComplaints(ctx context.Context, campaignID string) error
	IncrementUnsubscribes(ctx context.Context, campaignID string) error
}

// ContactStore applies contact state transitions. Transition methods report
// whether a row actually changed so re-applied events never double-count.
type ContactStore interface {
	MarkBounced(ctx context.Context, contactID string) (bool, error)
	MarkComplained(ctx context.Context, contactID string) (bool, error)
	MarkUnsubscribed(ctx context.Context, contactID, campaignID string, at time.Time) (bool, error)
	AdjustEngagement(ctx context.Context, contactID string, delta int) error
}

// EventStore is the append-only event log plus its side indexes.
type EventStore interface {
	Append(ctx context.Context, e *domain.EmailEvent) error
	UpsertDeliveryTimestamp(ctx context.Context, campaignID, email string, at time.Time) error
	DeliveryTimestamp(ctx context.Context, campaignID, email string) (time.Time, bool, error)
	// InsertClick records a (campaign, contact, url) click. A duplicate is
	// a silent no-op reported as inserted=false, not an error.
	InsertClick(ctx context.Context, campaignID, contactID, url string) (bool, error)
}

// BatchResult summarizes one webhook batch.
type BatchResult struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Pipeline ingests webhook event batches.
type Pipeline struct {
	counters CampaignCounters
	contacts ContactStore
	events   EventStore
	locks    *keyedMutex
	now      func() time.Time

	campaignStrategies []Strategy
	contactStrategies  []Strategy
	userStrategies     []Strategy
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(counters CampaignCounters, contacts ContactStore, events EventStore) *Pipeline {
	return &Pipeline{
		counters:           counters,
		contacts:           contacts,
		events:             events,
		locks:              newKeyedMutex(),
		now:                time.Now,
		campaignStrategies: StrategiesFor("campaign_id"),
		contactStrategies:  StrategiesFor("contact_id"),
		userStrategies:     StrategiesFor("user_id"),
	}
}

// ProcessBatch handles one webhook batch with per-event isolation: a
// malformed event is counted failed and the rest still process. Events are
// handled in arrival order; cross-batch races on the same (campaign, email)
// pair are serialized by keyed locks.
func (p *Pipeline) ProcessBatch(ctx context.Context, raw []json.RawMessage) BatchResult {
	res := BatchResult{Total: len(raw)}
	for i, msg := range raw {
		if err := p.processOne(ctx, msg); err != nil {
			res.Failed++
			logger.Warn("ingest: event failed", "index", i, "err", err.Error())
			continue
		}
		res.Processed++
	}
	return res
}

// parsedEvent is one provider event after correlation extraction.
type parsedEvent struct {
	Type       domain.EventType
	Email      string
	CampaignID string
	ContactID  string
	UserID     string
	MessageID  string
	URL        string
	Reason     string
	OccurredAt time.Time
}

func (p *Pipeline) processOne(ctx context.Context, raw json.RawMessage) error {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("malformed event payload: %w", err)
	}

	evt, err := p.parse(payload)
	if err != nil {
		return err
	}

	unlock := p.locks.lock(evt.CampaignID + "|" + evt.Email)
	defer unlock()

	// The event log is the system of record: append verbatim before any
	// counter mutation.
	if err := p.appendToLog(ctx, evt); err != nil {
		return fmt.Errorf("event log append: %w", err)
	}

	return p.apply(ctx, evt)
}

func (p *Pipeline) parse(payload map[string]any) (*parsedEvent, error) {
	typ := stringValue(payload["event"])
	if typ == "" {
		typ = stringValue(payload["type"])
	}
	if typ == "" {
		return nil, fmt.Errorf("event missing type")
	}

	email := stringValue(payload["email"])
	if email == "" {
		email = stringValue(payload["recipient"])
	}
	if email == "" {
		return nil, fmt.Errorf("event missing email")
	}

	evt := &parsedEvent{
		Type:       domain.EventType(typ),
		Email:      email,
		MessageID:  stringValue(payload["message_id"]),
		URL:        stringValue(payload["url"]),
		Reason:     stringValue(payload["reason"]),
		OccurredAt: p.parseTimestamp(payload["timestamp"]),
	}

	evt.CampaignID, _ = Extract(payload, p.campaignStrategies)
	evt.ContactID, _ = Extract(payload, p.contactStrategies)
	evt.UserID, _ = Extract(payload, p.userStrategies)
	return evt, nil
}

// parseTimestamp accepts unix seconds (number or numeric string) and
// RFC3339. Missing or unparseable timestamps fall back to now.
func (p *Pipeline) parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	case string:
		if sec, err := strconv.ParseFloat(t, 64); err == nil {
			whole := int64(sec)
			return time.Unix(whole, int64((sec-float64(whole))*float64(time.Second))).UTC()
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
	}
	return p.now().UTC()
}

func (p *Pipeline) appendToLog(ctx context.Context, evt *parsedEvent) error {
	rec := &domain.EmailEvent{
		ID:         uuid.New().String(),
		UserID:     evt.UserID,
		Email:      evt.Email,
		Type:       evt.Type,
		MessageID:  evt.MessageID,
		URL:        evt.URL,
		Reason:     evt.Reason,
		OccurredAt: evt.OccurredAt,
		CreatedAt:  p.now().UTC(),
	}
	if evt.CampaignID != "" {
		rec.CampaignID = &evt.CampaignID
	}
	if evt.ContactID != "" {
		rec.ContactID = &evt.ContactID
	}
	return p.events.Append(ctx, rec)
}

// apply drives the per-contact state machine. Counter updates that need a
// correlation identifier are skipped (with a diagnostic) when the event
// does not carry one; the log row above still captured the event.
func (p *Pipeline) apply(ctx context.Context, evt *parsedEvent) error {
	switch evt.Type {
	case domain.EventSent, domain.EventProcessed:
		// No status change, no counters: the dispatch path already counted
		// these on the campaign.
		return nil

	case domain.EventDelivered:
		return p.applyDelivered(ctx, evt)

	case domain.EventOpen:
		return p.applyOpen(ctx, evt)

	case domain.EventClick:
		return p.applyClick(ctx, evt)

	case domain.EventBounce, domain.EventDropped:
		return p.applyBounce(ctx, evt)

	case domain.EventSpamReport:
		return p.applySpamReport(ctx, evt)

	case domain.EventUnsubscribe:
		return p.applyUnsubscribe(ctx, evt)

	default:
		logger.Debug("ingest: unknown event type", "type", string(evt.Type))
		return nil
	}
}

func (p *Pipeline) applyDelivered(ctx context.Context, evt *parsedEvent) error {
	if evt.CampaignID == "" {
		p.diagNoCampaign(evt)
		return nil
	}
	// The timestamp must be durable before any open for this pair is
	// processed; the keyed lock plus this synchronous write guarantee it.
	if err := p.events.UpsertDeliveryTimestamp(ctx, evt.CampaignID, evt.Email, evt.OccurredAt); err != nil {
		return fmt.Errorf("delivery timestamp: %w", err)
	}
	// The only code path that increments delivered.
	return p.counters.IncrementDelivered(ctx, evt.CampaignID)
}

func (p *Pipeline) applyOpen(ctx context.Context, evt *parsedEvent) error {
	if evt.CampaignID == "" {
		p.diagNoCampaign(evt)
		return nil
	}

	deliveredAt, found, err := p.events.DeliveryTimestamp(ctx, evt.CampaignID, evt.Email)
	if err != nil {
		return fmt.Errorf("delivery timestamp lookup: %w", err)
	}
	if found && evt.OccurredAt.Sub(deliveredAt) < ProxyOpenWindow {
		// Image-proxy pre-fetch, not a human. Discard: no counter, no
		// engagement.
		logger.Debug("ingest: discarding proxy-generated open",
			"campaign_id", evt.CampaignID,
			"gap", evt.OccurredAt.Sub(deliveredAt).String())
		return nil
	}

	if err := p.counters.IncrementOpens(ctx, evt.CampaignID); err != nil {
		return err
	}
	p.adjustEngagement(ctx, evt, domain.EngagementOpenDelta)
	return nil
}

func (p *Pipeline) applyClick(ctx context.Context, evt *parsedEvent) error {
	if evt.CampaignID == "" {
		p.diagNoCampaign(evt)
		return nil
	}
	if err := p.counters.IncrementClicks(ctx, evt.CampaignID); err != nil {
		return err
	}
	if evt.ContactID != "" && evt.URL != "" {
		if _, err := p.events.InsertClick(ctx, evt.CampaignID, evt.ContactID, evt.URL); err != nil {
			return fmt.Errorf("click record: %w", err)
		}
	}
	p.adjustEngagement(ctx, evt, domain.EngagementClickDelta)
	return nil
}

func (p *Pipeline) applyBounce(ctx context.Context, evt *parsedEvent) error {
	if evt.CampaignID != "" {
		if err := p.counters.IncrementBounces(ctx, evt.CampaignID); err != nil {
			return err
		}
	} else {
		p.diagNoCampaign(evt)
	}
	if evt.ContactID == "" {
		return nil
	}
	if _, err := p.contacts.MarkBounced(ctx, evt.ContactID); err != nil {
		return fmt.Errorf("mark bounced: %w", err)
	}
	p.adjustEngagement(ctx, evt, domain.EngagementBounceDelta)
	return nil
}

func (p *Pipeline) applySpamReport(ctx context.Context, evt *parsedEvent) error {
	if evt.CampaignID != "" {
		if err := p.counters.IncrementComplaints(ctx, evt.CampaignID); err != nil {
			return err
		}
	} else {
		p.diagNoCampaign(evt)
	}
	if evt.ContactID == "" {
		return nil
	}
	if _, err := p.contacts.MarkComplained(ctx, evt.ContactID); err != nil {
		return fmt.Errorf("mark complained: %w", err)
	}
	p.adjustEngagement(ctx, evt, domain.EngagementComplaintDelta)
	return nil
}

func (p *Pipeline) applyUnsubscribe(ctx context.Context, evt *parsedEvent) error {
	if evt.ContactID == "" {
		p.diag("unsubscribe event without contact id", evt)
		return nil
	}

	// Idempotency check comes first: an already-unsubscribed contact means
	// no counter increment, no engagement change, no re-stamping.
	changed, err := p.contacts.MarkUnsubscribed(ctx, evt.ContactID, evt.CampaignID, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("mark unsubscribed: %w", err)
	}
	if !changed {
		return nil
	}

	if evt.CampaignID != "" {
		if err := p.counters.IncrementUnsubscribes(ctx, evt.CampaignID); err != nil {
			return err
		}
	}
	p.adjustEngagement(ctx, evt, domain.EngagementUnsubscribeDelta)
	return nil
}

func (p *Pipeline) adjustEngagement(ctx context.Context, evt *parsedEvent, delta int) {
	if evt.ContactID == "" {
		p.diag("event without contact id, skipping engagement", evt)
		return
	}
	if err := p.contacts.AdjustEngagement(ctx, evt.ContactID, delta); err != nil {
		logger.Warn("ingest: engagement adjust failed",
			"contact_id", evt.ContactID, "err", err.Error())
	}
}

func (p *Pipeline) diagNoCampaign(evt *parsedEvent) {
	p.diag("event without campaign id, skipping counters", evt)
}

func (p *Pipeline) diag(msg string, evt *parsedEvent) {
	logger.Debug("ingest: "+msg, "type", string(evt.Type), "email", evt.Email)
}
