// Package server implements a restrpc peer: named functions registered by
// the application, answered over the frame protocol.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Dispatch: decode [name, args...] → reflect.Call → encode [name, result] → write frame
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"restrpc/codec"
	"restrpc/message"
	"restrpc/protocol"
	"restrpc/registry"
)

// DefaultServiceName is the name instances are registered under when no
// WithServiceName option is given.
const DefaultServiceName = "restrpc"

const registryTTL = 10 // seconds, renewed by the registry's keepalive

// Server answers envelopes by calling registered functions.
type Server struct {
	codec       *codec.Registry
	logger      *zap.Logger
	serviceName string
	weight      int

	mu    sync.RWMutex // guards funcs
	funcs map[string]*function

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	// stateMu guards the fields below. The shutdown flag is only set while
	// holding it, so wg.Add under stateMu never races wg.Wait.
	stateMu       sync.Mutex
	listener      net.Listener
	registry      registry.Registry
	advertiseAddr string
	conns         map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCodec sets the registry used to encode results; it must agree with the clients'.
func WithCodec(r *codec.Registry) Option {
	return func(s *Server) { s.codec = r }
}

// WithServiceName sets the name this server is advertised under in the registry.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithWeight sets the advertised weight; resolution prefers heavier instances.
func WithWeight(w int) Option {
	return func(s *Server) { s.weight = w }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		codec:       codec.DefaultRegistry,
		logger:      zap.NewNop(),
		serviceName: DefaultServiceName,
		funcs:       make(map[string]*function),
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes fn under name. See newFunction for the accepted signatures.
func (s *Server) Register(name string, fn any) error {
	f, err := newFunction(name, fn, s.codec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funcs[name]; ok {
		return errors.Errorf("rpc: function %s already registered", name)
	}
	s.funcs[name] = f
	return nil
}

// Serve listens on address and handles connections until Shutdown.
//
// advertiseAddr is what gets registered in reg; it differs from address
// because ":8080" is not routable from another host. Pass a nil reg to skip
// registration.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}

	s.stateMu.Lock()
	if s.shutdown.Load() {
		s.stateMu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.stateMu.Unlock()

	if reg != nil {
		inst := registry.ServiceInstance{Addr: advertiseAddr, Weight: s.weight}
		if err := reg.Register(s.serviceName, inst, registryTTL); err != nil {
			l.Close()
			return errors.Wrapf(err, "register %s", s.serviceName)
		}
	}
	s.logger.Info("serving", zap.String("addr", l.Addr().String()), zap.String("service", s.serviceName))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if s.track(conn) {
			go s.handleConn(conn)
		}
	}
}

// track records conn so Shutdown can close it. Connections accepted after
// Shutdown started are closed right away.
func (s *Server) track(conn net.Conn) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.shutdown.Load() {
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// startRequest counts one in-flight request, or reports false once
// Shutdown has begun waiting.
func (s *Server) startRequest() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.stateMu.Lock()
	l := s.listener
	s.stateMu.Unlock()
	if l == nil {
		return nil
	}
	return l.Addr()
}

// handleConn is the single reader of conn. Requests are answered on their
// own goroutines and share writeMu so reply frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.stateMu.Lock()
		delete(s.conns, conn)
		s.stateMu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
		default:
			s.logger.Warn("unexpected frame", zap.Stringer("type", header.MsgType))
			continue
		}

		if !s.startRequest() {
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleRequest(header, body, conn, writeMu)
		}()
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	resp := s.Dispatch(context.Background(), &message.Request{ID: header.ReqID, Envelope: body})

	reply := protocol.Header{MsgType: protocol.MsgTypeResponse, ReqID: resp.ID}
	payload := resp.Body
	if resp.Err != "" {
		reply.MsgType = protocol.MsgTypeError
		payload = []byte(resp.Err)
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, payload); err != nil {
		s.logger.Warn("write reply failed", zap.Uint64("id", resp.ID), zap.Error(err))
	}
}

// Dispatch answers one request envelope. Failures, including unknown
// functions and malformed envelopes, come back in Response.Err.
func (s *Server) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	resp := &message.Response{ID: req.ID}

	name, args, err := s.decodeCall(req.Envelope)
	if err != nil {
		resp.Err = err.Error()
		s.logger.Debug("bad request", zap.Uint64("id", req.ID), zap.Error(err))
		return resp
	}

	s.mu.RLock()
	f, ok := s.funcs[name]
	s.mu.RUnlock()
	if !ok {
		resp.Err = fmt.Sprintf("unknown function %q", name)
		return resp
	}

	values, err := f.decodeArgs(args)
	if err != nil {
		resp.Err = err.Error()
		return resp
	}

	start := time.Now()
	result, err := f.call(ctx, values)
	s.logger.Debug("call", zap.String("function", name), zap.Uint64("id", req.ID),
		zap.Duration("took", time.Since(start)), zap.Error(err))
	if err != nil {
		resp.Err = err.Error()
		return resp
	}
	if f.result == nil {
		return resp
	}

	resp.Body, err = s.codec.Encode(name, result)
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}

// decodeCall splits an envelope into its function name and raw arguments.
func (s *Server) decodeCall(envelope []byte) (string, []msgpack.RawMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(envelope))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return "", nil, errors.Wrap(err, "envelope header")
	}
	if n < 1 {
		return "", nil, errors.New("envelope has no function name")
	}
	name, err := dec.DecodeString()
	if err != nil {
		return "", nil, errors.Wrap(err, "function name")
	}

	args := make([]msgpack.RawMessage, n-1)
	for i := range args {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return "", nil, errors.Wrapf(err, "argument %d", i)
		}
		args[i] = raw
	}
	return name, args, nil
}

func (f *function) decodeArgs(raw []msgpack.RawMessage) ([]reflect.Value, error) {
	if len(raw) != len(f.args) {
		return nil, errors.Errorf("%s: expects %d arguments, got %d", f.name, len(f.args), len(raw))
	}
	values := make([]reflect.Value, len(raw))
	for i, data := range raw {
		v := reflect.New(f.args[i])
		if err := msgpack.Unmarshal(data, v.Interface()); err != nil {
			return nil, errors.Wrapf(err, "%s: argument %d", f.name, i)
		}
		values[i] = v.Elem()
	}
	return values, nil
}

// Shutdown stops the server gracefully:
//  1. deregister, so clients stop resolving to it
//  2. close the listener
//  3. wait for in-flight requests, at most timeout
//  4. close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stateMu.Lock()
	reg, addr := s.registry, s.advertiseAddr
	s.stateMu.Unlock()
	if reg != nil {
		if err := reg.Deregister(s.serviceName, addr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	// The flag must be set before Close so Serve recognizes the Accept error.
	s.stateMu.Lock()
	s.shutdown.Store(true)
	l := s.listener
	s.stateMu.Unlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Errorf("timeout after %s waiting for ongoing requests to finish", timeout)
	}

	s.stateMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.stateMu.Unlock()
	return err
}
