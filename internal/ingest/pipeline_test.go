package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// fakeCounters tracks per-campaign counter increments.
type fakeCounters struct {
	mu       sync.Mutex
	counters map[string]map[string]int // campaignID -> counter -> n
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counters: make(map[string]map[string]int)}
}

func (f *fakeCounters) bump(campaignID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters[campaignID] == nil {
		f.counters[campaignID] = make(map[string]int)
	}
	f.counters[campaignID][name]++
	return nil
}

func (f *fakeCounters) get(campaignID, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[campaignID][name]
}

func (f *fakeCounters) IncrementDelivered(_ context.Context, id string) error {
	return f.bump(id, "delivered")
}
func (f *fakeCounters) IncrementOpens(_ context.Context, id string) error {
	return f.bump(id, "opens")
}
func (f *fakeCounters) IncrementClicks(_ context.Context, id string) error {
	return f.bump(id, "clicks")
}
func (f *fakeCounters) IncrementBounces(_ context.Context, id string) error {
	return f.bump(id, "bounces")
}
func (f *fakeCounters) IncrementComplaints(_ context.Context, id string) error {
	return f.bump(id, "complaints")
}
func (f *fakeCounters) IncrementUnsubscribes(_ context.Context, id string) error {
	return f.bump(id, "unsubscribes")
}

// fakeContacts tracks contact state and engagement.
type fakeContacts struct {
	mu     sync.Mutex
	status map[string]domain.ContactStatus
	score  map[string]int
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{
		status: make(map[string]domain.ContactStatus),
		score:  make(map[string]int),
	}
}

func (f *fakeContacts) MarkBounced(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] == domain.ContactBounced {
		return false, nil
	}
	f.status[id] = domain.ContactBounced
	return true, nil
}

func (f *fakeContacts) MarkComplained(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] == domain.ContactComplained {
		return false, nil
	}
	f.status[id] = domain.ContactComplained
	return true, nil
}

func (f *fakeContacts) MarkUnsubscribed(_ context.Context, id, _ string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] == domain.ContactUnsubscribed {
		return false, nil
	}
	f.status[id] = domain.ContactUnsubscribed
	return true, nil
}

func (f *fakeContacts) AdjustEngagement(_ context.Context, id string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score[id] += delta
	return nil
}

// fakeEvents is an in-memory event log with delivery-timestamp and click
// side indexes.
type fakeEvents struct {
	mu        sync.Mutex
	log       []domain.EmailEvent
	delivered map[string]time.Time
	clicks    map[string]bool
	appendErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		delivered: make(map[string]time.Time),
		clicks:    make(map[string]bool),
	}
}

func (f *fakeEvents) Append(_ context.Context, e *domain.EmailEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.log = append(f.log, *e)
	return nil
}

func (f *fakeEvents) UpsertDeliveryTimestamp(_ context.Context, campaignID, email string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[campaignID+"|"+email] = at
	return nil
}

func (f *fakeEvents) DeliveryTimestamp(_ context.Context, campaignID, email string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.delivered[campaignID+"|"+email]
	return t, ok, nil
}

func (f *fakeEvents) InsertClick(_ context.Context, campaignID, contactID, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := campaignID + "|" + contactID + "|" + url
	if f.clicks[key] {
		return false, nil
	}
	f.clicks[key] = true
	return true, nil
}

func newTestPipeline() (*Pipeline, *fakeCounters, *fakeContacts, *fakeEvents) {
	counters := newFakeCounters()
	contacts := newFakeContacts()
	events := newFakeEvents()
	return NewPipeline(counters, contacts, events), counters, contacts, events
}

func rawEvent(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestDeliveredStoresTimestampAndIncrementsOnce(t *testing.T) {
	p, counters, _, events := newTestPipeline()

	res := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event":       "delivered",
			"email":       "ada@example.com",
			"campaign_id": "camp1",
			"timestamp":   float64(1724976000),
		}),
	})

	assert.Equal(t, BatchResult{Total: 1, Processed: 1}, res)
	assert.Equal(t, 1, counters.get("camp1", "delivered"))

	at, ok, _ := events.DeliveryTimestamp(context.Background(), "camp1", "ada@example.com")
	require.True(t, ok)
	assert.Equal(t, time.Unix(1724976000, 0).UTC(), at)
	require.Len(t, events.log, 1)
	assert.Equal(t, domain.EventDelivered, events.log[0].Type)
}

func TestProxyOpenIsDiscarded(t *testing.T) {
	p, counters, contacts, _ := newTestPipeline()
	t0 := float64(1724976000)

	batch := []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com",
			"campaign_id": "camp1", "contact_id": "cx", "timestamp": t0,
		}),
		// 0.1s after delivery: image-proxy pre-fetch, dropped.
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "camp1", "contact_id": "cx", "timestamp": t0 + 0.1,
		}),
		// 5s after delivery: genuine open, counted.
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "camp1", "contact_id": "cx", "timestamp": t0 + 5,
		}),
	}

	res := p.ProcessBatch(context.Background(), batch)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, counters.get("camp1", "delivered"))
	assert.Equal(t, 1, counters.get("camp1", "opens"))
	assert.Equal(t, domain.EngagementOpenDelta, contacts.score["cx"])
}

func TestOpenWithoutDeliveryRecordCounts(t *testing.T) {
	p, counters, _, _ := newTestPipeline()

	res := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "camp1", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, counters.get("camp1", "opens"))
}

func TestOpenAtExactlyOneSecondCounts(t *testing.T) {
	p, counters, _, _ := newTestPipeline()
	t0 := float64(1724976000)

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com",
			"campaign_id": "camp1", "timestamp": t0,
		}),
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "camp1", "timestamp": t0 + 1,
		}),
	})

	assert.Equal(t, 1, counters.get("camp1", "opens"))
}

func TestClickDedupAndEngagement(t *testing.T) {
	p, counters, contacts, events := newTestPipeline()

	click := map[string]any{
		"event": "click", "email": "x@example.com",
		"campaign_id": "camp1", "contact_id": "cx",
		"url": "https://example.com/offer", "timestamp": float64(1724976000),
	}
	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, click), rawEvent(t, click),
	})

	// Both click events count; the (campaign, contact, url) row is deduped.
	assert.Equal(t, 2, counters.get("camp1", "clicks"))
	assert.Len(t, events.clicks, 1)
	assert.Equal(t, 2*domain.EngagementClickDelta, contacts.score["cx"])
}

func TestBounceMarksContactAndScores(t *testing.T) {
	p, counters, contacts, _ := newTestPipeline()

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "bounce", "email": "x@example.com",
			"campaign_id": "camp1", "contact_id": "cx",
			"reason": "550 user unknown", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, counters.get("camp1", "bounces"))
	assert.Equal(t, domain.ContactBounced, contacts.status["cx"])
	assert.Equal(t, domain.EngagementBounceDelta, contacts.score["cx"])
}

func TestDroppedCountsAsBounce(t *testing.T) {
	p, counters, _, _ := newTestPipeline()

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "dropped", "email": "x@example.com",
			"campaign_id": "camp1", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, counters.get("camp1", "bounces"))
}

func TestSpamReport(t *testing.T) {
	p, counters, contacts, _ := newTestPipeline()

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "spamreport", "email": "x@example.com",
			"campaign_id": "camp1", "contact_id": "cx", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, counters.get("camp1", "complaints"))
	assert.Equal(t, domain.ContactComplained, contacts.status["cx"])
	assert.Equal(t, domain.EngagementComplaintDelta, contacts.score["cx"])
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	p, counters, contacts, _ := newTestPipeline()

	unsub := map[string]any{
		"event": "unsubscribe", "email": "x@example.com",
		"campaign_id": "camp1", "contact_id": "cx", "timestamp": float64(1724976000),
	}
	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, unsub), rawEvent(t, unsub),
	})

	assert.Equal(t, domain.ContactUnsubscribed, contacts.status["cx"])
	assert.Equal(t, 1, counters.get("camp1", "unsubscribes"))
	assert.Equal(t, domain.EngagementUnsubscribeDelta, contacts.score["cx"])
}

func TestMalformedEventDoesNotAbortBatch(t *testing.T) {
	p, counters, _, events := newTestPipeline()

	res := p.ProcessBatch(context.Background(), []json.RawMessage{
		json.RawMessage(`{not json`),
		rawEvent(t, map[string]any{"event": "delivered", "timestamp": float64(0)}), // missing email
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "ok@example.com",
			"campaign_id": "camp1", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, BatchResult{Total: 3, Processed: 1, Failed: 2}, res)
	assert.Equal(t, 1, counters.get("camp1", "delivered"))
	assert.Len(t, events.log, 1)
}

func TestMissingCampaignIDSkipsCountersButLogs(t *testing.T) {
	p, counters, _, events := newTestPipeline()

	res := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, counters.counters)
	require.Len(t, events.log, 1)
	assert.Nil(t, events.log[0].CampaignID)
}

func TestCorrelationFromCustomArgs(t *testing.T) {
	p, counters, _, events := newTestPipeline()

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com",
			"custom_args": map[string]any{
				"campaign_id": "camp1", "contact_id": "cx", "user_id": "u1",
			},
			"timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, counters.get("camp1", "delivered"))
	require.Len(t, events.log, 1)
	assert.Equal(t, "camp1", *events.log[0].CampaignID)
	assert.Equal(t, "cx", *events.log[0].ContactID)
	assert.Equal(t, "u1", events.log[0].UserID)
}

func TestEventLogAppendFailureFailsTheEvent(t *testing.T) {
	p, counters, _, events := newTestPipeline()
	events.appendErr = fmt.Errorf("disk full")

	res := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com",
			"campaign_id": "camp1", "timestamp": float64(1724976000),
		}),
	})

	assert.Equal(t, 1, res.Failed)
	// Log-before-counters: nothing was counted.
	assert.Empty(t, counters.counters)
}

func TestExampleScenarioDeliveredThenTwoOpens(t *testing.T) {
	// Campaign has 9 prior deliveries; contact X's delivered arrives, then
	// an open at +0.1s (proxy) and one at +5s (real). End state must be
	// delivered=10 (X counted exactly once, by the one delivered code
	// path), opens=1, engagement +1.
	p, counters, contacts, _ := newTestPipeline()
	for i := 0; i < 9; i++ {
		counters.bump("campC", "delivered")
	}
	t0 := float64(1724976000)

	p.ProcessBatch(context.Background(), []json.RawMessage{
		rawEvent(t, map[string]any{
			"event": "delivered", "email": "x@example.com",
			"campaign_id": "campC", "contact_id": "ctX", "timestamp": t0,
		}),
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "campC", "contact_id": "ctX", "timestamp": t0 + 0.1,
		}),
		rawEvent(t, map[string]any{
			"event": "open", "email": "x@example.com",
			"campaign_id": "campC", "contact_id": "ctX", "timestamp": t0 + 5,
		}),
	})

	assert.Equal(t, 10, counters.get("campC", "delivered"))
	assert.Equal(t, 1, counters.get("campC", "opens"))
	assert.Equal(t, domain.EngagementOpenDelta, contacts.score["ctX"])
}
