// Package mailer sends transactional email for reminder jobs. Email is
// best-effort everywhere it is used; the in-app notification row is the
// authoritative side effect.
package mailer

import (
	"context"

	"go.uber.org/zap"
)

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a single email.
type Sender interface {
	Send(ctx context.Context, email Email) error
}

// LogSender logs emails instead of sending them (development/testing).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, email Email) error {
	s.logger.Info("email sent (log sender)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
	)
	return nil
}
