// Package retry implements the step retry policy from §4.6: strategy in
// {constant, linear, exponential}, initial delay, max attempts, optional
// proportional jitter, optional max-delay cap.
//
// Adapted and generalized from the donor's internal/service/retry.go,
// which supported only an exponential-with-multiplier policy; this
// package adds the constant/linear strategies the specification requires
// while keeping the donor's functional-options constructor and
// Execute/ExecuteWithNotify shape.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Policy is the runtime retry policy derived from a core.RetryPolicy.
type Policy struct {
	Strategy     core.RetryStrategy
	InitialDelay time.Duration
	MaxAttempts  int // 0 means unbounded (MaxDelay must then be set)
	MaxDelay     time.Duration
	Jitter       bool
	// Explicit is true when the step declared its own retry policy. An
	// explicit policy retries any failure kind up to MaxAttempts,
	// overriding the kind's default-retryable classification (§4.6: "a
	// step's retry policy, if present, governs"); with no policy the
	// kind's default applies.
	Explicit bool
}

// FromCore converts a step's declared retry policy into a runtime Policy,
// defaulting MaxAttempts to 1 (no retry) when unset and unbounded by delay.
func FromCore(p *core.RetryPolicy) Policy {
	if p == nil {
		return Policy{Strategy: core.RetryConstant, MaxAttempts: 1}
	}
	policy := Policy{
		Strategy:     p.Strategy,
		InitialDelay: p.InitialDelay,
		MaxAttempts:  p.MaxAttempts,
		MaxDelay:     p.MaxDelay,
		Jitter:       p.Jitter,
		Explicit:     true,
	}
	if policy.Strategy == "" {
		policy.Strategy = core.RetryConstant
	}
	return policy
}

// CalculateDelay returns the delay before attempt number `attempt`
// (1-indexed: the delay awaited before the *next* attempt following a
// failed attempt numbered `attempt`).
func CalculateDelay(p Policy, attempt int) time.Duration {
	var delay time.Duration
	switch p.Strategy {
	case core.RetryLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case core.RetryExponential:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	default: // constant
		delay = p.InitialDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay = addJitter(delay)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// addJitter applies proportional jitter in [0.5*d, 1.5*d).
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.5 + rand.Float64() // #nosec G404 -- backoff jitter, not security sensitive
	return time.Duration(float64(d) * factor)
}

// ExhaustedError is returned when all attempts are used without success.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return "retry exhausted after attempts"
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Func is a retryable operation. Under an Explicit policy any error it
// returns is retried; otherwise only an error that satisfies
// core.IsRetryable is retried, and any other error stops the loop
// immediately.
type Func func(ctx context.Context, attempt int) error

// NotifyFunc is called once per failed attempt, before sleeping.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Execute runs fn, retrying per the policy, until success, exhaustion, or
// context cancellation.
func Execute(ctx context.Context, p Policy, fn Func) error {
	return ExecuteWithNotify(ctx, p, fn, nil)
}

// ExecuteWithNotify is Execute with a per-attempt notification callback,
// used by the step executor to emit RetryAttempted events.
func ExecuteWithNotify(ctx context.Context, p Policy, fn Func, notify NotifyFunc) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !p.Explicit && !core.IsRetryable(lastErr) {
			return lastErr
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, LastErr: lastErr}
		}

		delay := CalculateDelay(p, attempt)
		if notify != nil {
			notify(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
