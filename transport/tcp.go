package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"restrpc/message"
	"restrpc/protocol"
	"restrpc/registry"
)

// ServiceScheme prefixes addresses that name a service instead of a host,
// e.g. "service://Arith". They are resolved through the configured registry.
const ServiceScheme = "service://"

const defaultHeartbeat = 30 * time.Second

// TCPTransport multiplexes every call of one client over a single TCP connection.
//
// Writes are serialized by the sending mutex so frames never interleave; a
// single recvLoop goroutine reads frames sequentially and hands each reply
// to the Receiver.
type TCPTransport struct {
	registry    registry.Registry // resolves ServiceScheme addresses; nil disables them
	heartbeat   time.Duration
	dialTimeout time.Duration
	logger      *zap.Logger

	mu   sync.Mutex // guards conn
	conn net.Conn

	sending sync.Mutex // write lock, held for a whole frame
	closing atomic.Bool
	done    chan struct{}
}

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

// WithRegistry enables "service://name" addresses.
func WithRegistry(r registry.Registry) TCPOption {
	return func(t *TCPTransport) { t.registry = r }
}

// WithHeartbeat sets the heartbeat interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.heartbeat = d }
}

// WithDialTimeout bounds Connect when the context carries no deadline.
func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.dialTimeout = d }
}

// WithLogger sets the transport logger.
func WithLogger(l *zap.Logger) TCPOption {
	return func(t *TCPTransport) { t.logger = l }
}

// NewTCPTransport creates an unconnected transport.
func NewTCPTransport(opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{
		heartbeat: defaultHeartbeat,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials address and starts the receive and heartbeat goroutines.
func (t *TCPTransport) Connect(ctx context.Context, address string, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil || t.closing.Load() {
		return ErrAlreadyConnected
	}

	addr, err := t.resolve(address)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok && t.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}

	t.conn = conn
	t.logger.Info("connected", zap.String("addr", addr))

	go t.recvLoop(conn, r)
	if t.heartbeat > 0 {
		go t.heartbeatLoop(conn, t.heartbeat)
	}
	return nil
}

func (t *TCPTransport) resolve(address string) (string, error) {
	if !strings.HasPrefix(address, ServiceScheme) {
		return address, nil
	}
	if t.registry == nil {
		return "", errors.Errorf("no registry configured to resolve %s", address)
	}
	return registry.Resolve(t.registry, strings.TrimPrefix(address, ServiceScheme))
}

// Send writes one request frame. A deadline on ctx becomes the write deadline.
func (t *TCPTransport) Send(ctx context.Context, req *message.Request) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.closing.Load() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	header := protocol.Header{
		MsgType: protocol.MsgTypeRequest,
		ReqID:   req.ID,
	}
	return protocol.Encode(conn, &header, req.Envelope)
}

// recvLoop is the only reader of conn. Every reply is routed by its request
// id; when the connection breaks the receiver is told once, unless the break
// was caused by Disconnect.
func (t *TCPTransport) recvLoop(conn net.Conn, r Receiver) {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if t.closing.Load() {
				return
			}
			t.logger.Warn("connection lost", zap.Error(err))
			r.OnDisconnect(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse:
			Deliver(r, &message.Response{ID: header.ReqID, Body: body})
		case protocol.MsgTypeError:
			Deliver(r, &message.Response{ID: header.ReqID, Err: string(body)})
		case protocol.MsgTypeHeartbeat:
		default:
			t.logger.Warn("unexpected frame", zap.Stringer("type", header.MsgType), zap.Uint64("id", header.ReqID))
		}
	}
}

// heartbeatLoop keeps idle connections from being reaped by the peer.
func (t *TCPTransport) heartbeatLoop(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.sendHeartbeat(conn, header, interval); err != nil {
			if !t.closing.Load() {
				t.logger.Warn("heartbeat failed", zap.Error(err))
			}
			return
		}
	}
}

// sendHeartbeat writes one heartbeat frame. A write that cannot finish within
// interval fails rather than holding the write lock.
func (t *TCPTransport) sendHeartbeat(conn net.Conn, header *protocol.Header, interval time.Duration) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(interval)); err != nil {
		return err
	}
	return protocol.Encode(conn, header, nil)
}

// Disconnect closes the connection. Replies still in flight are dropped.
func (t *TCPTransport) Disconnect() error {
	if t.closing.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.logger.Info("disconnected", zap.String("addr", conn.RemoteAddr().String()))
	return conn.Close()
}
