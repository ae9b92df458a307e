// Package transport moves encoded envelopes between a client and its peer.
//
// A Transport accepts one Request per call and, later and on its own
// goroutine, reports the outcome to the Receiver handed to Connect. Replies
// may arrive in any order; the Request ID is what pairs them up.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ transport ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	recv goroutine: ←── reply(id=2) → Receiver.OnResponse(2, body, nil)
package transport

import (
	"context"

	"github.com/pkg/errors"

	"restrpc/message"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("transport: remote error")
)

// Receiver is notified of deliveries. Calls come from the transport's own
// goroutines, never from the goroutine that called Send.
type Receiver interface {
	// OnResponse delivers the reply for id. body is nil when the peer sent
	// an empty reply; err is non-nil when the peer reported a failure.
	OnResponse(id uint64, body []byte, err error)
	// OnDisconnect reports that the session ended without Disconnect being called.
	OnDisconnect(err error)
}

// Transport is a single session with one peer: Connect once, Send many
// times, Disconnect once.
type Transport interface {
	Connect(ctx context.Context, address string, r Receiver) error
	// Send hands off one request. It returns once the envelope is written,
	// not once a reply exists.
	Send(ctx context.Context, req *message.Request) error
	Disconnect() error
}

// HandlerFunc answers a single request. It is the shape of an in-process peer.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// RemoteError is a failure the peer reported for one call.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Deliver forwards resp to r, turning a non-empty Err into a *RemoteError.
func Deliver(r Receiver, resp *message.Response) {
	if resp.Err != "" {
		r.OnResponse(resp.ID, nil, &RemoteError{Message: resp.Err})
		return
	}
	body := resp.Body
	if len(body) == 0 {
		body = nil
	}
	r.OnResponse(resp.ID, body, nil)
}
