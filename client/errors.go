package client

import "github.com/pkg/errors"

var (
	// ErrNotConnected is returned when invoking before Connect or after Close.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrClientClosed fails every call still pending when Close runs.
	ErrClientClosed = errors.New("client closed")
	// ErrTimeout is returned by Call.Wait when the wait ends first. The call stays pending.
	ErrTimeout = errors.New("client: wait timed out")
	// ErrInternal marks a broken invariant, such as a reused correlation id.
	ErrInternal = errors.New("client: internal error")
	// ErrSend wraps transport and middleware failures reported by Invoke.
	ErrSend = errors.New("client: send failed")
	// ErrConnection wraps failures to establish, or the loss of, the transport session.
	ErrConnection = errors.New("client: connection error")
)
