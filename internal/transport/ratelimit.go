package transport

import (
	"golang.org/x/time/rate"
)

// NewLimiter builds a token-bucket limiter for outbound requests,
// grounded on golang.org/x/time/rate as used throughout the teacher
// pack's network-facing components. ratePerSecond <= 0 disables
// limiting.
func NewLimiter(ratePerSecond float64, burst int) RateLimiter {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}
