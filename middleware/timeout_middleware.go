package middleware

import (
	"context"
	"time"

	"restrpc/message"
)

// Timeout bounds how long a send may take. It does not bound the wait for
// the reply; use Call.Wait for that.
func Timeout(timeout time.Duration) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, req *message.Request) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ErrSendTimeout
			}
		}
	}
}
