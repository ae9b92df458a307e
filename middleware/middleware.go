// Package middleware wraps the client's send path.
//
// Each middleware sees a request after it has been encoded and assigned a
// correlation id, and before the transport writes it. Errors returned here
// fail the Invoke call synchronously.
package middleware

import (
	"context"

	"github.com/pkg/errors"

	"restrpc/message"
)

var (
	ErrRateLimited = errors.New("middleware: rate limit exceeded")
	ErrSendTimeout = errors.New("middleware: send timed out")
)

// SendFunc hands one request to the transport.
type SendFunc func(ctx context.Context, req *message.Request) error

type Middleware func(next SendFunc) SendFunc

// Chain composes middlewares so the first one listed runs outermost:
// Chain(A, B, C)(send) behaves as A(B(C(send))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next SendFunc) SendFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
