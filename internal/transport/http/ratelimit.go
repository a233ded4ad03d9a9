package http

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows limit publishes per minute with a burst of limit.
// A non-positive limit disables limiting.
func newRateLimiter(limit int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)
}
