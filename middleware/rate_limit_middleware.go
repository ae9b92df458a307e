package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"restrpc/message"
)

// RateLimit rejects sends beyond r per second with bursts of up to burst,
// using a token bucket shared by every caller of the client.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
