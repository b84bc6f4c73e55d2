package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a jittered exponential backoff schedule. Policies are
// plain values so each component's retry behaviour can be configured and
// verified independently.
type Policy struct {
	// MaxAttempts caps total attempts (first try included). Ignored when
	// Unbounded is set.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFactor randomizes each delay within ±factor (0.5 means 50%).
	JitterFactor float64
	// Unbounded retries forever, bounded only by ctx. Used by the listener,
	// which must eventually recover its subscription.
	Unbounded bool
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is done.
func (p Policy) Do(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		exp.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	if p.JitterFactor >= 0 {
		exp.RandomizationFactor = p.JitterFactor
	}
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithContext(exp, ctx)
	if !p.Unbounded {
		attempts := p.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		b = backoff.WithMaxRetries(b, uint64(attempts-1))
	}
	return backoff.Retry(op, b)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
