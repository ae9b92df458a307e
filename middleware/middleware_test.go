package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"restrpc/message"
)

func okSend(ctx context.Context, req *message.Request) error {
	return nil
}

func slowSend(ctx context.Context, req *message.Request) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

var req = &message.Request{ID: 7, Function: "add", Envelope: []byte{0x91, 0xa3, 'a', 'd', 'd'}}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	send := Logging(zap.New(core))(okSend)

	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	entries := logs.FilterMessage("sent").All()
	if len(entries) != 1 {
		t.Fatalf("expect one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["function"]; got != "add" {
		t.Fatalf("expect function=add, got %v", got)
	}

	failing := Logging(zap.New(core))(func(ctx context.Context, req *message.Request) error {
		return errors.New("broken pipe")
	})
	if err := failing(context.Background(), req); err == nil {
		t.Fatal("expect error to pass through")
	}
	if logs.FilterMessage("send failed").Len() != 1 {
		t.Fatal("expect a warning for the failed send")
	}
}

func TestTimeoutPass(t *testing.T) {
	send := Timeout(500 * time.Millisecond)(okSend)
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	send := Timeout(50 * time.Millisecond)(slowSend)
	if err := send(context.Background(), req); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expect ErrSendTimeout, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two pass at once, the third is rejected
	send := RateLimit(1, 2)(okSend)

	for i := 0; i < 2; i++ {
		if err := send(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if err := send(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRetry(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, r *message.Request) error {
		attempts++
		if r.ID != req.ID {
			t.Errorf("retry changed the correlation id to %d", r.ID)
		}
		if attempts < 3 {
			return ErrSendTimeout
		}
		return nil
	}

	send := Retry(3, time.Millisecond)(flaky)
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts)
	}
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := errors.New("encoding rejected by peer")
	send := Retry(5, time.Millisecond)(func(ctx context.Context, r *message.Request) error {
		attempts++
		return permanent
	})

	if err := send(context.Background(), req); !errors.Is(err, permanent) {
		t.Fatalf("expect the permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expect no retries, got %d attempts", attempts)
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next SendFunc) SendFunc {
			return func(ctx context.Context, r *message.Request) error {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	send := Chain(tag("a"), tag("b"), Timeout(500*time.Millisecond), tag("c"))(okSend)
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expect a,b,c, got %v", order)
	}
}
