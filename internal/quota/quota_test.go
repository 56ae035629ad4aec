package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// memUsage is an in-memory usage store for unit testing.
type memUsage struct {
	mu    sync.Mutex
	usage map[string]int // keyed by userID only; tests stay in one month
}

func newMemUsage() *memUsage { return &memUsage{usage: make(map[string]int)} }

func (m *memUsage) CurrentUsage(_ context.Context, userID string, _, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[userID], nil
}

func (m *memUsage) Add(_ context.Context, userID string, _, _, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[userID] += n
	return nil
}

func testPlans() map[domain.PlanTier]int {
	return map[domain.PlanTier]int{
		domain.PlanFree:    2000,
		domain.PlanPro:     50000,
		domain.PlanProPlus: 250000,
	}
}

func TestCheckWithinAllowance(t *testing.T) {
	g := NewGate(newMemUsage(), testPlans())

	assert.NoError(t, g.Check(context.Background(), "u1", domain.PlanFree, 2000))
}

func TestCheckRejectsBatchWholesale(t *testing.T) {
	usage := newMemUsage()
	usage.usage["u1"] = 49000
	g := NewGate(usage, testPlans())

	err := g.Check(context.Background(), "u1", domain.PlanPro, 2500)
	require.Error(t, err)

	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 49000, ex.Current)
	assert.Equal(t, 50000, ex.Limit)
	assert.Equal(t, 2500, ex.Requested)
}

func TestCheckBoundaryExactlyAtLimit(t *testing.T) {
	usage := newMemUsage()
	usage.usage["u1"] = 1999
	g := NewGate(usage, testPlans())

	// 1999 + 1 = 2000 is allowed, 1999 + 2 is not.
	assert.NoError(t, g.Check(context.Background(), "u1", domain.PlanFree, 1))
	assert.Error(t, g.Check(context.Background(), "u1", domain.PlanFree, 2))
}

func TestCheckUnknownPlanIsError(t *testing.T) {
	g := NewGate(newMemUsage(), testPlans())

	err := g.Check(context.Background(), "u1", domain.PlanTier("enterprise"), 1)
	require.Error(t, err)

	var ex *ExceededError
	assert.False(t, errors.As(err, &ex), "unknown plan is a config error, not a quota rejection")
}

func TestRecordAccumulates(t *testing.T) {
	usage := newMemUsage()
	g := NewGate(usage, testPlans())
	g.now = func() time.Time { return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, g.Record(context.Background(), "u1", 100))
	require.NoError(t, g.Record(context.Background(), "u1", 50))

	n, err := usage.CurrentUsage(context.Background(), "u1", 8, 2026)
	require.NoError(t, err)
	assert.Equal(t, 150, n)
}
