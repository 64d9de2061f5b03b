package mailer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/circuitbreaker"
)

type flakySender struct {
	err  error
	sent int
}

func (s *flakySender) Send(ctx context.Context, email Email) error {
	if s.err != nil {
		return s.err
	}
	s.sent++
	return nil
}

func TestProtectedSenderPassesThrough(t *testing.T) {
	inner := &flakySender{}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("test"), zap.NewNop())
	sender := NewProtectedSender(inner, breaker, zap.NewNop())

	if err := sender.Send(context.Background(), Email{To: "dana@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.sent != 1 {
		t.Fatalf("expected one delivery, got %d", inner.sent)
	}
}

func TestProtectedSenderFailsFastWhenOpen(t *testing.T) {
	inner := &flakySender{err: errors.New("ses throttled")}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "test",
		MaxFailures:     2,
		RecoveryTimeout: time.Minute,
	}, zap.NewNop())
	sender := NewProtectedSender(inner, breaker, zap.NewNop())

	ctx := context.Background()
	email := Email{To: "dana@example.com"}

	for i := 0; i < 2; i++ {
		if err := sender.Send(ctx, email); err == nil {
			t.Fatalf("send %d should have failed", i)
		}
	}

	err := sender.Send(ctx, email)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once tripped, got %v", err)
	}
	if breaker.GetState() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", breaker.GetState())
	}
}
