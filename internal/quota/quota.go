// Package quota enforces per-plan monthly send allowances.
//
// Checks are all-or-nothing: a batch that would push cumulative usage over
// the allowance is rejected wholesale, never partially fulfilled.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/mailwizard/delivery-core/internal/domain"
)

// UsageStore reads and mutates per-(user, month, year) usage counters.
// Add must be an atomic database increment, not read-modify-write.
type UsageStore interface {
	CurrentUsage(ctx context.Context, userID string, month, year int) (int, error)
	Add(ctx context.Context, userID string, month, year, n int) error
}

// ExceededError is returned when a requested batch would break the monthly
// allowance. It carries machine-readable usage metadata for the caller's
// error payload.
type ExceededError struct {
	Current   int `json:"current"`
	Limit     int `json:"limit"`
	Requested int `json:"requested"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: monthly limit exceeded (current=%d limit=%d requested=%d)",
		e.Current, e.Limit, e.Requested)
}

// Gate checks monthly send allowances before dispatch.
type Gate struct {
	usage UsageStore
	plans map[domain.PlanTier]int
	now   func() time.Time
}

// NewGate builds a quota gate from the configured plan allowance table.
func NewGate(usage UsageStore, plans map[domain.PlanTier]int) *Gate {
	return &Gate{usage: usage, plans: plans, now: time.Now}
}

// Check verifies that sending `requested` more emails keeps the user within
// their plan's monthly allowance. An unknown plan tier is a configuration
// error, not a free pass.
func (g *Gate) Check(ctx context.Context, userID string, plan domain.PlanTier, requested int) error {
	limit, ok := g.plans[plan]
	if !ok {
		return fmt.Errorf("quota: no allowance configured for plan %q", plan)
	}

	now := g.now().UTC()
	current, err := g.usage.CurrentUsage(ctx, userID, int(now.Month()), now.Year())
	if err != nil {
		return fmt.Errorf("quota: reading usage: %w", err)
	}

	if current+requested > limit {
		return &ExceededError{Current: current, Limit: limit, Requested: requested}
	}
	return nil
}

// Record adds n sent emails to the user's counter for the current month.
func (g *Gate) Record(ctx context.Context, userID string, n int) error {
	now := g.now().UTC()
	return g.usage.Add(ctx, userID, int(now.Month()), now.Year(), n)
}
