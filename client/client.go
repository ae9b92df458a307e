// Package client implements the asynchronous restrpc client.
//
// Invoke encodes a call, registers it under a fresh correlation id and hands
// it to the transport, returning a *Call immediately. The transport later
// reports the reply on its own goroutine and the client routes it to the
// matching Call:
//
//	Invoke → codec.Encode → pending.register(id) → middleware → Transport.Send
//	Transport → OnResponse(id, body) → pending.takeAndResolve → codec.Decode → Call
package client

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"restrpc/codec"
	"restrpc/message"
	"restrpc/middleware"
	"restrpc/transport"
)

type clientState int32

const (
	stateUninitialized clientState = iota
	stateConnected
	stateClosed
)

// Client is safe for concurrent use. Its lifecycle is one Connect, any number
// of Invokes, one Close; there is no way back to an earlier state.
type Client struct {
	transport   transport.Transport
	codec       codec.Codec
	logger      *zap.Logger
	middlewares []middleware.Middleware
	send        middleware.SendFunc

	mu      sync.Mutex // serializes Connect, Close and OnDisconnect
	state   atomic.Int32
	ids     idGenerator
	pending *pendingTable
}

var _ transport.Receiver = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCodec replaces codec.DefaultRegistry, e.g. with a registry holding type aliases.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// WithMiddleware appends send middlewares; the first one runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// NewClient creates an unconnected client on top of t.
func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		codec:     codec.DefaultRegistry,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pending = newPendingTable(c.codec, c.logger)
	c.send = middleware.Chain(c.middlewares...)(t.Send)
	return c
}

// Connect opens the transport session. It may succeed only once; a failed
// attempt leaves the client unconnected so it can be retried.
func (c *Client) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch clientState(c.state.Load()) {
	case stateConnected:
		return ErrAlreadyConnected
	case stateClosed:
		return ErrNotConnected
	}

	if err := c.transport.Connect(ctx, address, c); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.state.Store(int32(stateConnected))
	c.logger.Info("client connected", zap.String("address", address))
	return nil
}

// Invoke calls the remote function name with args and returns a Call that
// resolves to a value of rt once the reply arrives.
//
// Encoding and send failures are returned here, and no Call exists for
// them. Everything that goes wrong afterwards, including decoding the
// reply, is reported through the Call.
func (c *Client) Invoke(ctx context.Context, name string, rt codec.Type, args ...any) (*Call, error) {
	if clientState(c.state.Load()) != stateConnected {
		return nil, ErrNotConnected
	}

	envelope, err := c.codec.Encode(name, args...)
	if err != nil {
		return nil, err
	}

	// Registering before the send means a reply can never beat its entry into the table.
	call, err := c.pending.register(c.ids.next(), name, rt)
	if err != nil {
		if errors.Is(err, ErrInternal) {
			c.logger.Error("pending table invariant violated", zap.Error(err))
		}
		return nil, err
	}

	req := &message.Request{ID: call.ID, Function: name, Envelope: envelope}
	if err := c.send(ctx, req); err != nil {
		c.pending.remove(call.ID)
		return nil, fmt.Errorf("%w: %s: %w", ErrSend, name, err)
	}
	return call, nil
}

// OnResponse routes a reply to its Call. Transports call it from their own goroutines.
func (c *Client) OnResponse(id uint64, body []byte, err error) {
	c.pending.takeAndResolve(id, body, err)
}

// OnDisconnect handles the transport dying underneath the client: every
// pending call fails with ErrConnection and the client is closed.
func (c *Client) OnDisconnect(err error) {
	c.mu.Lock()
	prev := clientState(c.state.Swap(int32(stateClosed)))
	c.mu.Unlock()
	if prev == stateClosed {
		return
	}

	if derr := c.transport.Disconnect(); derr != nil {
		c.logger.Debug("releasing lost transport", zap.Error(derr))
	}
	n := c.pending.drainAll(fmt.Errorf("%w: %w", ErrConnection, err))
	c.logger.Warn("transport lost", zap.Error(err), zap.Int("failed_calls", n))
}

// Close disconnects the transport and fails every pending call with
// ErrClientClosed. Replies that arrive afterwards are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	prev := clientState(c.state.Swap(int32(stateClosed)))
	c.mu.Unlock()
	if prev == stateClosed {
		return ErrNotConnected
	}

	var err error
	if prev == stateConnected {
		err = c.transport.Disconnect()
	}
	n := c.pending.drainAll(ErrClientClosed)
	c.logger.Info("client closed", zap.Int("failed_calls", n))
	return err
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	return c.pending.len()
}

// Func returns a handle bound to one remote function name.
func (c *Client) Func(name string) *Function {
	return &Function{client: c, name: name}
}

// Function is a remote function bound to a client.
type Function struct {
	client *Client
	name   string
}

func (f *Function) Name() string { return f.name }

func (f *Function) Invoke(ctx context.Context, rt codec.Type, args ...any) (*Call, error) {
	return f.client.Invoke(ctx, f.name, rt, args...)
}

// Do invokes name and waits for a reply of type T, resolving T through the
// client's registry (or codec.DefaultRegistry for other codecs).
func Do[T any](ctx context.Context, c *Client, name string, args ...any) (T, error) {
	var zero T
	reg, ok := c.codec.(*codec.Registry)
	if !ok {
		reg = codec.DefaultRegistry
	}
	rt, err := reg.TypeOf(reflect.TypeFor[T]())
	if err != nil {
		return zero, errors.Wrap(err, "return type")
	}

	call, err := c.Invoke(ctx, name, rt, args...)
	if err != nil {
		return zero, err
	}
	return Await[T](ctx, call)
}
