package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"restrpc/codec"
)

// State is the lifecycle of a Call.
type State int32

const (
	Pending State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Call is the caller's view of one in-flight invocation. It leaves Pending
// exactly once, either with a value or with an error.
type Call struct {
	ID         uint64
	Function   string
	ReturnType codec.Type

	mu        sync.Mutex // protects following
	state     State
	value     any
	err       error
	observers []func(any, error)
	notifying bool // observers are being run by the resolver
	done      chan struct{}
}

func newCall(id uint64, function string, rt codec.Type) *Call {
	return &Call{
		ID:         id,
		Function:   function,
		ReturnType: rt,
		done:       make(chan struct{}),
	}
}

// resolve and fail report false if the call had already left Pending.
func (c *Call) resolve(v any) bool  { return c.complete(Resolved, v, nil) }
func (c *Call) fail(err error) bool { return c.complete(Failed, nil, err) }

func (c *Call) complete(s State, v any, err error) bool {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return false
	}
	c.state, c.value, c.err = s, v, err
	c.notifying = true
	close(c.done)
	c.mu.Unlock()

	// Observers attached while this loop runs are queued behind the current
	// batch, which keeps notification in attachment order.
	for {
		c.mu.Lock()
		batch := c.observers
		c.observers = nil
		if len(batch) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()

		for _, fn := range batch {
			fn(v, err)
		}
	}
}

// OnComplete registers fn to run once with the outcome. If the call is
// already complete fn runs immediately on the calling goroutine; otherwise
// it runs on the goroutine that resolves the call, which is usually the
// transport's receive goroutine, so fn must not block.
func (c *Call) OnComplete(fn func(v any, err error)) {
	c.mu.Lock()
	if c.state == Pending || c.notifying {
		c.observers = append(c.observers, fn)
		c.mu.Unlock()
		return
	}
	v, err := c.value, c.err
	c.mu.Unlock()
	fn(v, err)
}

// Done is closed when the call leaves Pending.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the outcome without blocking. ok is false while Pending.
func (c *Call) Result() (v any, err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.state != Pending
}

// Wait blocks until the call completes or ctx ends. When ctx ends first the
// error wraps both ErrTimeout and ctx.Err(), and the call stays pending.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		v, err, _ := c.Result()
		return v, err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: call %d (%s): %w", ErrTimeout, c.ID, c.Function, ctx.Err())
	}
}

// WaitTimeout is Wait with a relative timeout. d <= 0 waits forever.
func (c *Call) WaitTimeout(d time.Duration) (any, error) {
	if d <= 0 {
		return c.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Wait(ctx)
}

// Await waits for call and asserts its value to T. An absent (nil) reply
// yields T's zero value and no error.
func Await[T any](ctx context.Context, call *Call) (T, error) {
	var zero T
	v, err := call.Wait(ctx)
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("client: %s returned %T, not %T", call.Function, v, zero)
	}
	return t, nil
}
