package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"restrpc/codec"
	"restrpc/message"
	"restrpc/registry"
	"restrpc/server"
)

func startServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(opts...)
	svr.Register("add", func(a, b int32) int32 { return a + b })
	svr.Register("slow", func(d int64) string {
		time.Sleep(time.Duration(d) * time.Millisecond)
		return "done"
	})
	svr.Register("fail", func() error { return errors.New("boom") })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)
	return svr, l.Addr().String()
}

func send(t *testing.T, tr Transport, id uint64, name string, args ...any) {
	t.Helper()
	envelope, err := codec.Encode(name, args...)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(context.Background(), &message.Request{ID: id, Function: name, Envelope: envelope}); err != nil {
		t.Fatal(err)
	}
}

func TestTCPTransport(t *testing.T) {
	svr, addr := startServer(t)
	defer svr.Shutdown(time.Second)

	tr := NewTCPTransport(WithHeartbeat(10 * time.Millisecond))
	r := newRecorder()
	if err := tr.Connect(context.Background(), addr, r); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	send(t, tr, 1, "slow", int64(100))
	send(t, tr, 2, "add", int32(100), int32(230))
	send(t, tr, 3, "fail")

	got := map[uint64]delivery{}
	for i := 0; i < 3; i++ {
		d := r.next(t)
		got[d.id] = d
		if i == 0 && d.id == 1 {
			t.Fatal("expect the slow call to be overtaken")
		}
	}

	if v, err := codec.Decode(got[2].body, codec.Int32); err != nil || v != int32(330) {
		t.Fatalf("expect 330, got %v (%v)", v, err)
	}
	if v, err := codec.Decode(got[1].body, codec.String); err != nil || v != "done" {
		t.Fatalf("expect done, got %v (%v)", v, err)
	}
	if !errors.Is(got[3].err, ErrRemote) || !strings.Contains(got[3].err.Error(), "boom") {
		t.Fatalf("expect remote error boom, got %v", got[3].err)
	}
}

func TestTCPServiceAddress(t *testing.T) {
	svr, addr := startServer(t)
	defer svr.Shutdown(time.Second)

	reg := registry.NewMemoryRegistry()
	reg.Register("Arith", registry.ServiceInstance{Addr: addr, Weight: 1}, 10)

	tr := NewTCPTransport(WithRegistry(reg))
	r := newRecorder()
	if err := tr.Connect(context.Background(), ServiceScheme+"Arith", r); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()
	send(t, tr, 7, "add", int32(1), int32(2))
	if d := r.next(t); d.id != 7 || d.err != nil {
		t.Fatalf("unexpected delivery %+v", d)
	}

	other := NewTCPTransport()
	if err := other.Connect(context.Background(), ServiceScheme+"Arith", r); err == nil {
		t.Fatal("expect service address to fail without a registry")
	}
	missing := NewTCPTransport(WithRegistry(reg))
	if err := missing.Connect(context.Background(), ServiceScheme+"Echo", r); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestTCPPeerLoss(t *testing.T) {
	svr, addr := startServer(t)

	tr := NewTCPTransport()
	r := newRecorder()
	if err := tr.Connect(context.Background(), addr, r); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()

	svr.Shutdown(time.Second)
	select {
	case err := <-r.disconnects:
		if err == nil {
			t.Fatal("expect a disconnect cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestTCPDisconnect(t *testing.T) {
	svr, addr := startServer(t)
	defer svr.Shutdown(time.Second)

	tr := NewTCPTransport()
	r := newRecorder()
	if err := tr.Send(context.Background(), &message.Request{ID: 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected before Connect, got %v", err)
	}
	if err := tr.Connect(context.Background(), addr, r); err != nil {
		t.Fatal(err)
	}
	if err := tr.Connect(context.Background(), addr, r); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expect ErrAlreadyConnected, got %v", err)
	}

	if err := tr.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("expect a second Disconnect to be a no-op, got %v", err)
	}
	if err := tr.Send(context.Background(), &message.Request{ID: 2}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected after Disconnect, got %v", err)
	}
	select {
	case err := <-r.disconnects:
		t.Fatalf("expect no OnDisconnect for a local Disconnect, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

var errNoDeadline = errors.New("deadline not supported")

// deadlineConn accepts writes but cannot take a write deadline.
type deadlineConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *deadlineConn) SetWriteDeadline(time.Time) error { return errNoDeadline }

func (c *deadlineConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	return len(p), nil
}

func TestHeartbeatDeadlineFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tr := NewTCPTransport(WithLogger(zap.New(core)))
	conn := &deadlineConn{}

	done := make(chan struct{})
	go func() {
		tr.heartbeatLoop(conn, 5*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		tr.Disconnect()
		t.Fatal("expect the heartbeat loop to stop once the deadline cannot be set")
	}

	if n := conn.writes.Load(); n != 0 {
		t.Fatalf("expect no heartbeat written without a deadline, got %d writes", n)
	}
	entries := logs.FilterMessage("heartbeat failed").All()
	if len(entries) != 1 {
		t.Fatalf("expect one heartbeat failure logged, got %d", len(entries))
	}
	if err, _ := entries[0].ContextMap()["error"].(string); err != errNoDeadline.Error() {
		t.Fatalf("expect the deadline error to be logged, got %q", err)
	}
}
