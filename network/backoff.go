package network

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy configures the reconnect delay of peer sessions.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoffPolicy starts at 100ms, doubles per failure and caps at 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   100 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: 0.2,
	}
}

// reconnectBackoff yields the delay before each reconnect attempt of one peer.
type reconnectBackoff struct {
	policy BackoffPolicy
	exp    *backoff.ExponentialBackOff
}

func newReconnectBackoff(policy BackoffPolicy) *reconnectBackoff {
	def := DefaultBackoffPolicy()
	if policy.Base <= 0 {
		policy.Base = def.Base
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = def.Jitter
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     policy.Base,
		RandomizationFactor: policy.Jitter,
		Multiplier:          2,
		MaxInterval:         policy.Max,
		MaxElapsedTime:      0, // retry forever
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &reconnectBackoff{policy: policy, exp: exp}
}

// Next returns the delay for the next attempt and advances the sequence.
func (b *reconnectBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.policy.Max {
		d = b.policy.Max
	}
	return d
}

// Reset restarts the sequence at the base delay.
func (b *reconnectBackoff) Reset() {
	b.exp.Reset()
}
