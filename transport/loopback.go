package transport

import (
	"context"
	"sync"

	"restrpc/message"
)

// Loopback connects a client to an in-process peer. Each request is answered
// on its own goroutine, so replies come back in whatever order the handler
// finishes them.
type Loopback struct {
	handler HandlerFunc

	mu       sync.Mutex // guards receiver and closed
	receiver Receiver
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewLoopback returns a Loopback answering requests with h.
func NewLoopback(h HandlerFunc) *Loopback {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loopback{handler: h, ctx: ctx, cancel: cancel}
}

// Connect ignores address; there is only one peer.
func (l *Loopback) Connect(ctx context.Context, address string, r Receiver) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiver != nil || l.closed {
		return ErrAlreadyConnected
	}
	l.receiver = r
	return nil
}

func (l *Loopback) Send(ctx context.Context, req *message.Request) error {
	r, ok := l.session()
	if !ok {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The caller may reuse its buffer once Send returns.
	sent := *req
	sent.Envelope = append([]byte(nil), req.Envelope...)
	go func() {
		resp := l.handler(l.ctx, &sent)
		if resp == nil {
			return
		}
		if _, ok := l.session(); !ok {
			return
		}
		Deliver(r, resp)
	}()
	return nil
}

// Disconnect stops delivery; replies produced afterwards are dropped.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cancel()
	return nil
}

// Fail simulates the session dying under the client: the receiver gets
// OnDisconnect(err) and nothing is delivered afterwards.
func (l *Loopback) Fail(err error) {
	r, ok := l.session()
	if !ok {
		return
	}
	l.Disconnect()
	r.OnDisconnect(err)
}

func (l *Loopback) session() (Receiver, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiver, l.receiver != nil && !l.closed
}
