package mailer

import (
	"context"

	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/circuitbreaker"
)

// ProtectedSender wraps a Sender with a circuit breaker so batch jobs fail
// fast per recipient when the provider is down instead of waiting out a
// timeout for each one.
type ProtectedSender struct {
	sender  Sender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with the given breaker.
func NewProtectedSender(sender Sender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers through the wrapped sender unless the circuit is open.
func (s *ProtectedSender) Send(ctx context.Context, email Email) error {
	if !s.breaker.Allow() {
		s.logger.Warn("email rejected by circuit breaker",
			zap.String("to", email.To),
		)
		return circuitbreaker.ErrCircuitOpen
	}

	err := s.sender.Send(ctx, email)
	if err != nil {
		s.breaker.RecordFailure()
		return err
	}

	s.breaker.RecordSuccess()
	return nil
}
