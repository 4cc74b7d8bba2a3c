package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter adds random jitter to a duration to prevent thundering herd.
// The jitter is applied as a percentage of the base duration.
//
// Example: Jitter(time.Minute, 0.1) returns 54s-66s (±10%)
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	jitterRange := float64(base) * fraction
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return base + time.Duration(jitter)
}
