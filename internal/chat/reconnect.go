package chat

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect policies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

const (
	DefaultReconnectLimit    = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
)

// newBackOff builds the delay source for automatic reconnects. The fixed
// policy waits the same delay before every attempt.
func newBackOff(policy string, delay, maxDelay time.Duration) backoff.BackOff {
	switch policy {
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = delay
		b.Multiplier = 2
		b.RandomizationFactor = 0.1
		b.MaxInterval = maxDelay
		b.Reset()
		return b
	default:
		return backoff.NewConstantBackOff(delay)
	}
}
