// Package backoff computes bounded exponential retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Schedule produces delays growing exponentially from Initial up to
// Max. Jitter spreads each delay by up to its own fraction so a fleet
// of agents does not retry in lockstep.
type Schedule struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the delay for the given attempt, 0-indexed. Attempts
// past the cap all return Max (plus jitter).
func (s Schedule) Delay(attempt int) time.Duration {
	d := s.base(attempt)
	if s.Jitter <= 0 {
		return d
	}
	// Random factor in range [1-jitter, 1+jitter].
	factor := 1.0 + (rand.Float64()*2-1)*s.Jitter
	jittered := time.Duration(float64(d) * factor)
	if jittered < 0 {
		return d
	}
	return jittered
}

func (s Schedule) base(attempt int) time.Duration {
	if attempt <= 0 {
		return s.Initial
	}
	d := float64(s.Initial) * math.Pow(s.Multiplier, float64(attempt))
	if d > float64(s.Max) {
		return s.Max
	}
	return time.Duration(d)
}
