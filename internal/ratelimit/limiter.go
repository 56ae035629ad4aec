// Package ratelimit enforces per-(user, endpoint) request-rate ceilings.
//
// The limiter is a fixed window on Redis. Check-and-increment runs as one
// Lua script so concurrent requests can never both slip under the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrLuaScript atomically increments the window counter, arms the
// window TTL on first hit, and reports the current count plus remaining TTL.
const checkAndIncrLuaScript = `
local key = KEYS[1]
local windowSeconds = tonumber(ARGV[1])

local current = redis.call("INCR", key)
if current == 1 then
    redis.call("EXPIRE", key, windowSeconds)
end

local ttl = redis.call("TTL", key)
if ttl < 0 then
    redis.call("EXPIRE", key, windowSeconds)
    ttl = windowSeconds
end

return {current, ttl}
`

// Rule is the configured ceiling for one endpoint.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Result reports the state of the window after a check.
type Result struct {
	Allowed   bool
	Limit     int
	Current   int
	Remaining int
	ResetAt   time.Time
}

// LimitedError is returned when the window is exhausted. It carries the
// limit, current count, and reset time so callers can set Retry-After.
type LimitedError struct {
	Limit   int       `json:"limit"`
	Current int       `json:"current"`
	ResetAt time.Time `json:"reset_at"`
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: too many requests (current=%d limit=%d reset=%s)",
		e.Current, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait before retrying.
func (e *LimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter checks request rates against Redis-backed fixed windows.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script
	rules  map[string]Rule
	now    func() time.Time
}

// NewLimiter builds a limiter from the configured per-endpoint rule table.
func NewLimiter(rdb *redis.Client, rules map[string]Rule) *Limiter {
	return &Limiter{
		rdb:    rdb,
		script: redis.NewScript(checkAndIncrLuaScript),
		rules:  rules,
		now:    time.Now,
	}
}

// Allow consumes one request from the (user, endpoint) window. When the
// window is exhausted it returns a *LimitedError alongside the Result.
// An endpoint with no configured rule is unlimited.
func (l *Limiter) Allow(ctx context.Context, userID, endpoint string) (Result, error) {
	rule, ok := l.rules[endpoint]
	if !ok {
		return Result{Allowed: true}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", userID, endpoint)
	windowSeconds := int(rule.Window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	raw, err := l.script.Run(ctx, l.rdb, []string{key}, windowSeconds).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %T", raw)
	}
	current := int(vals[0].(int64))
	ttl := time.Duration(vals[1].(int64)) * time.Second

	res := Result{
		Limit:     rule.MaxRequests,
		Current:   current,
		Remaining: rule.MaxRequests - current,
		ResetAt:   l.now().Add(ttl),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	if current > rule.MaxRequests {
		return res, &LimitedError{Limit: rule.MaxRequests, Current: current, ResetAt: res.ResetAt}
	}
	res.Allowed = true
	return res, nil
}
