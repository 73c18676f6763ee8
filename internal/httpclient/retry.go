package httpclient

import "time"

// BackoffConfig controls the exponential backoff schedule for retrying
// transient provider errors (spec §9 open question: "expose as
// configuration with sensible defaults").
type BackoffConfig struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the spec's recommended default: 3 retries,
// exponential from 0.5s capped at 4s.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Retries: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second}
}

// Delay returns the backoff delay before retry attempt n (1-indexed),
// doubling from Base and capped at Max.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
