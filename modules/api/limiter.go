package api

import (
	"time"

	"golang.org/x/time/rate"
)

type rateConfig struct {
	perSecond float64
	burst     int
}

// rateLimiter is a token bucket guarding one connection's inbound frames.
type rateLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

func newRateLimiter(burst int, perSecond float64) *rateLimiter {
	if burst <= 0 {
		return nil
	}
	return &rateLimiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), burst),
		now:    time.Now,
	}
}

// allow takes one token if available. A nil limiter allows all.
func (r *rateLimiter) allow() bool {
	if r == nil {
		return true
	}
	return r.bucket.AllowN(r.now(), 1)
}
