package admission

import (
	"context"
	"fmt"
	"time"
)

// Policy parameterizes one named rate-limit quota. Distinct policies over the
// same store are isolated by key namespace, so one identifier can be within
// quota for general traffic while exhausted for voting.
type Policy struct {
	// Name identifies the policy and prefixes its keys.
	Name string
	// Window is the sliding window size.
	Window time.Duration
	// MaxRequests is the number of admitted requests per window.
	MaxRequests int
	// KeyGenerator overrides the default key derivation when set.
	KeyGenerator func(identifier string) string
	// FailOpen admits requests when the store is unreachable. Appropriate
	// for throughput protection, where an unreachable quota store should
	// not block all traffic. Uniqueness checks must never fail open.
	FailOpen bool
}

func (p Policy) key(identifier string) string {
	if p.KeyGenerator != nil {
		return p.KeyGenerator(identifier)
	}
	return "ratelimit:" + p.Name + ":" + identifier
}

// Result is the outcome of a rate-limit check. The check is not a passive
// preview: an allowed result means the attempt was recorded.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// RateLimitError reports quota exhaustion. It is a business outcome carried
// as an error so EnforceLimit call sites stay linear; it is not logged as a
// failure.
type RateLimitError struct {
	RetryAfter time.Duration
	ResetTime  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds returns the retry delay in whole seconds, at least 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter enforces one Policy against a Store using a sliding-window log of
// admitted attempts.
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewLimiter validates the policy and builds a limiter.
func NewLimiter(store Store, policy Policy) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if policy.Window <= 0 {
		return nil, fmt.Errorf("policy %q: window must be positive", policy.Name)
	}
	if policy.MaxRequests <= 0 {
		return nil, fmt.Errorf("policy %q: max requests must be positive", policy.Name)
	}
	return &Limiter{store: store, policy: policy, now: time.Now}, nil
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy { return l.policy }

// CheckLimit reports whether the current attempt is within quota, recording
// it only when it is: rejected attempts never enter the window, so retrying
// while over quota cannot push the recovery instant further out. The lower
// window bound is inclusive: an attempt recorded exactly Window ago still
// counts. ResetTime is the oldest admitted timestamp plus the window, i.e.
// the instant a slot frees up.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string) (Result, error) {
	key := l.policy.key(identifier)
	now := l.now()
	windowStart := now.Add(-l.policy.Window)

	count, err := l.store.AdmitIntoWindow(ctx, key, now, windowStart, int64(l.policy.MaxRequests))
	if err != nil {
		if l.policy.FailOpen {
			return Result{
				Allowed:   true,
				Remaining: l.policy.MaxRequests - 1,
				ResetTime: now.Add(l.policy.Window),
			}, nil
		}
		return Result{}, fmt.Errorf("rate limit check for %q: %w", identifier, err)
	}

	resetTime := now.Add(l.policy.Window)
	if oldest, ok, oerr := l.store.OldestInWindow(ctx, key, windowStart); oerr == nil && ok {
		resetTime = oldest.Add(l.policy.Window)
	}

	// count is the pre-insert occupancy of the window.
	allowed := count < int64(l.policy.MaxRequests)
	remaining := l.policy.MaxRequests - int(count)
	if allowed {
		remaining--
	}
	if remaining < 0 {
		remaining = 0
	}

	if allowed {
		// Expiry refresh bounds storage growth; the count above is already
		// correct without it, so a failure here is not a rejection.
		_ = l.store.SetExpiry(ctx, key, l.policy.Window)
	}

	return Result{Allowed: allowed, Remaining: remaining, ResetTime: resetTime}, nil
}

// EnforceLimit rejects with a *RateLimitError when the identifier is over
// quota.
func (l *Limiter) EnforceLimit(ctx context.Context, identifier string) error {
	res, err := l.CheckLimit(ctx, identifier)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &RateLimitError{
			RetryAfter: res.ResetTime.Sub(l.now()),
			ResetTime:  res.ResetTime,
		}
	}
	return nil
}
