// internal/session/backoff.go
package session

import (
	"math"
	"time"
)

// Backoff computes bounded exponential reconnect delays.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns a policy with a 1s initial delay, 2x multiplier,
// and a 30s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    1 * time.Second,
		Multiplier: 2.0,
		Max:        30 * time.Second,
	}
}

// Delay returns the delay for the given attempt number (1-indexed),
// Initial * Multiplier^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
