// ratelimit.go throttles broker API calls to the documented per-second
// budget. The broker counts limits per endpoint class, not globally:
//
//   - Quote:  1 req/s  — market quotes (unused by the loop, kept for parity)
//   - Read:   3 req/s  — orders, positions, margins, instruments
//   - Order: 10 req/s  — order placement and modification
//
// Exceeding a class budget draws 429s and, repeated, a temporary block, so
// every request waits on its class limiter before going out.
package broker

import "golang.org/x/time/rate"

// RateLimiter groups per-class limiters. Each client owns one; limits are
// enforced per API key, so sessions must not share limiters.
type RateLimiter struct {
	Quote *rate.Limiter
	Read  *rate.Limiter
	Order *rate.Limiter
}

// NewRateLimiter creates limiters tuned to the broker's published limits,
// with bursts equal to one second's allowance.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Quote: rate.NewLimiter(rate.Limit(1), 1),
		Read:  rate.NewLimiter(rate.Limit(3), 3),
		Order: rate.NewLimiter(rate.Limit(10), 10),
	}
}
