package client

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"restrpc/codec"
)

// idGenerator hands out correlation ids. They start at 1 and never repeat
// within a client; wraparound of a uint64 is not a practical concern.
type idGenerator struct {
	last atomic.Uint64
}

func (g *idGenerator) next() uint64 {
	return g.last.Add(1)
}

// pendingTable maps correlation ids to calls awaiting a reply.
//
// Entries are only added and removed under mu, so each one is taken by
// exactly one of takeAndResolve, remove or drainAll. Decoding and observer
// callbacks run after the entry has been taken, outside the lock.
type pendingTable struct {
	codec  codec.Codec
	logger *zap.Logger

	mu      sync.Mutex // protects following
	calls   map[uint64]*Call
	drained error // non-nil once drainAll ran; later registrations are refused
}

func newPendingTable(c codec.Codec, logger *zap.Logger) *pendingTable {
	return &pendingTable{
		codec:  c,
		logger: logger,
		calls:  make(map[uint64]*Call),
	}
}

func (p *pendingTable) register(id uint64, function string, rt codec.Type) (*Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained != nil {
		return nil, errors.Wrap(ErrNotConnected, p.drained.Error())
	}
	if _, ok := p.calls[id]; ok {
		return nil, errors.Wrapf(ErrInternal, "correlation id %d already in flight", id)
	}
	call := newCall(id, function, rt)
	p.calls[id] = call
	return call, nil
}

func (p *pendingTable) take(id uint64) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return call
}

// remove drops id without resolving it. It reports whether id was present.
func (p *pendingTable) remove(id uint64) bool {
	return p.take(id) != nil
}

// takeAndResolve completes the call registered under id with the reply.
// Unknown ids are logged and ignored: they happen after retried sends, after
// a local timeout removed the entry, or after the client was closed.
func (p *pendingTable) takeAndResolve(id uint64, body []byte, err error) {
	call := p.take(id)
	if call == nil {
		p.logger.Warn("response for unknown call", zap.Uint64("id", id))
		return
	}

	var ok bool
	switch {
	case err != nil:
		ok = call.fail(err)
	case body == nil:
		ok = call.resolve(nil)
	default:
		v, decodeErr := p.codec.Decode(body, call.ReturnType)
		if decodeErr != nil {
			p.logger.Debug("reply decode failed", zap.Uint64("id", id), zap.String("function", call.Function), zap.Error(decodeErr))
			ok = call.fail(decodeErr)
		} else {
			ok = call.resolve(v)
		}
	}
	if !ok {
		p.logger.Warn("call resolved twice", zap.Uint64("id", id), zap.String("function", call.Function))
	}
}

// drainAll fails every pending call with reason and refuses new registrations.
// It returns how many calls it failed.
func (p *pendingTable) drainAll(reason error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[uint64]*Call)
	if p.drained == nil {
		p.drained = reason
	}
	p.mu.Unlock()

	for _, call := range calls {
		call.fail(reason)
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
