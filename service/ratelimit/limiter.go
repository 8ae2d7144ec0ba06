package ratelimit

import (
	"context"
	"strconv"
	"time"

	"chatgate/logger"

	"github.com/redis/go-redis/v9"
)

// Action is the kind of operation being admission-checked. Limits are keyed
// by (actor, action) so one noisy action cannot starve the others.
type Action string

const (
	ActionMessage   Action = "message"
	ActionConnect   Action = "connect"
	ActionTyping    Action = "typing"
	ActionUpload    Action = "upload"
	ActionIPConnect Action = "ip_connect"
)

type Rule struct {
	Limit  int
	Window time.Duration
	Reason string
}

// DefaultRules mirrors the production defaults. Tunable per deployment via
// WithRule.
func DefaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionMessage:   {Limit: 60, Window: time.Minute, Reason: "message_rate_limit_exceeded"},
		ActionConnect:   {Limit: 10, Window: time.Minute, Reason: "connection_rate_limit_exceeded"},
		ActionTyping:    {Limit: 30, Window: time.Minute, Reason: "typing_rate_limit_exceeded"},
		ActionUpload:    {Limit: 20, Window: time.Minute, Reason: "upload_rate_limit_exceeded"},
		ActionIPConnect: {Limit: 100, Window: time.Minute, Reason: "ip_connection_rate_limit_exceeded"},
	}
}

// Result of an admission check. Reset is the end of the current fixed
// window, set whether or not the attempt was admitted; RetryAfter is only
// set on rejection.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
	Reason     string
}

// Limiter enforces fixed-window counters in the shared store, so every
// gateway process sees the same counts. The only mutation is a single
// INCR+EXPIRE pipeline; there is no read-then-write race.
type Limiter struct {
	rdb      redis.UniversalClient
	rules    map[Action]Rule
	failOpen bool
	now      func() time.Time
}

type Option func(*Limiter)

// WithRule overrides one action's rule.
func WithRule(a Action, r Rule) Option {
	return func(l *Limiter) { l.rules[a] = r }
}

// WithFailClosed switches the outage policy to deny-by-default.
func WithFailClosed() Option {
	return func(l *Limiter) { l.failOpen = false }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(rdb redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:      rdb,
		rules:    DefaultRules(),
		failOpen: true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func key(a Action, actor string, windowID int64) string {
	return "chat:rl:" + string(a) + ":" + actor + ":" + strconv.FormatInt(windowID, 10)
}

// Check atomically counts one attempt for (actor, action) and reports
// whether it is admitted. RetryAfter is the time left to the window
// boundary, never negative.
func (l *Limiter) Check(ctx context.Context, actor string, action Action) Result {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 {
		return Result{Allowed: true, Limit: 0, Remaining: -1}
	}

	now := l.now()
	windowSec := int64(rule.Window / time.Second)
	windowID := now.Unix() / windowSec
	windowEnd := time.Unix((windowID+1)*windowSec, 0)

	k := key(action, actor, windowID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// Expire a window past the boundary so late readers still see the count.
	pipe.Expire(ctx, k, rule.Window+rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Counter store outage. Policy is a single documented choice:
		// fail-open by default, for availability.
		logger.Errorf("[ratelimit] store unavailable action=%s actor=%s err=%v (failOpen=%v)",
			action, actor, err, l.failOpen)
		if l.failOpen {
			return Result{Allowed: true, Limit: rule.Limit, Remaining: -1, Reset: windowEnd}
		}
		return Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: clampRetry(windowEnd.Sub(now)),
			Reset:      windowEnd,
			Reason:     rule.Reason,
		}
	}

	count := incr.Val()
	if count > int64(rule.Limit) {
		return Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: clampRetry(windowEnd.Sub(now)),
			Reset:      windowEnd,
			Reason:     rule.Reason,
		}
	}
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(count),
		Reset:     windowEnd,
	}
}

// Rule returns the configured rule for an action.
func (l *Limiter) Rule(action Action) (Rule, bool) {
	r, ok := l.rules[action]
	return r, ok
}

func clampRetry(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
