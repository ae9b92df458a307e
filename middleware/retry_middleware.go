package middleware

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"restrpc/message"
)

// Retry resends on transient failures with exponential backoff. Every
// attempt carries the same correlation id, so a peer that received an
// earlier attempt may answer twice; the client drops the duplicate.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return err
				}
				err = next(ctx, req)
			}
			return err
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrSendTimeout) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
