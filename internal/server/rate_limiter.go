// Package server builds the per-connection token bucket that throttles
// inbound events.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a bucket holding capacity tokens that refills
// completely every interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity)
}
