package network

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultReconnectInitialDelay is the first reconnect delay.
	DefaultReconnectInitialDelay = 1 * time.Second
	// DefaultReconnectMaxDelay caps the delay between attempts.
	DefaultReconnectMaxDelay = 60 * time.Second
	// DefaultReconnectMaxAttempts is the retry budget before a disconnection
	// is surfaced as terminal.
	DefaultReconnectMaxAttempts = 10
)

// ReconnectPolicy describes the exponential backoff applied between
// reconnect attempts for one peer. The base schedule is deterministic so it
// can be tested without I/O; jitter is layered on top at run time.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int
}

// DefaultReconnectPolicy returns the policy used unless configured otherwise.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: DefaultReconnectInitialDelay,
		MaxDelay:     DefaultReconnectMaxDelay,
		Multiplier:   2,
		Jitter:       0.2,
		MaxAttempts:  DefaultReconnectMaxAttempts,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	out := p
	if out.InitialDelay <= 0 {
		out.InitialDelay = DefaultReconnectInitialDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultReconnectMaxDelay
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2
	}
	if out.Jitter < 0 || out.Jitter >= 1 {
		out.Jitter = 0.2
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultReconnectMaxAttempts
	}
	return out
}

// BaseDelay returns the deterministic delay before attempt n (0-based),
// before jitter. The schedule is non-decreasing and capped at MaxDelay.
func (p ReconnectPolicy) BaseDelay(attempt int) time.Duration {
	policy := p.withDefaults()
	delay := float64(policy.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.Multiplier
		if delay >= float64(policy.MaxDelay) {
			return policy.MaxDelay
		}
	}
	if delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(delay)
}

// backOff builds the cenkalti backoff chain for one reconnect worker:
// exponential with jitter, bounded by MaxAttempts, cancellable via ctx.
func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	policy := p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialDelay
	exp.MaxInterval = policy.MaxDelay
	exp.Multiplier = policy.Multiplier
	exp.RandomizationFactor = policy.Jitter
	exp.MaxElapsedTime = 0 // budget is attempt-counted, not time-counted
	exp.Reset()

	capped := backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts))
	return backoff.WithContext(capped, ctx)
}

// backoffPermanent marks an error as non-retryable so Retry stops at once.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs operation under the policy until it succeeds, the budget is
// exhausted, or ctx is canceled. Cancellation also cancels a pending
// backoff timer.
func (p ReconnectPolicy) Retry(ctx context.Context, operation func() error) error {
	return backoff.Retry(operation, p.backOff(ctx))
}
