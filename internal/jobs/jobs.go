// Package jobs implements the scheduled reminder batches. Both jobs share
// one shape: scan a time window, classify each row, dedupe through the
// reminder log, then emit an in-app notification plus a best-effort email.
// Re-running a job for the same day is safe; the dedupe insert is the
// idempotency mechanism.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/mailer"
	"github.com/wooffyapp/wooffy/internal/store"
)

// Store is the slice of the membership store the jobs consume.
type Store interface {
	MembershipsExpiringWithin(ctx context.Context, days int) ([]*store.Membership, error)
	BusinessesWithBirthdayReminders(ctx context.Context) ([]*store.Business, error)
	BirthdayPetsForBusiness(ctx context.Context, businessID uuid.UUID) ([]*store.Pet, error)
	PetsByUser(ctx context.Context, userID uuid.UUID) ([]*store.Pet, error)
	ReserveReminder(ctx context.Context, entityID uuid.UUID, reminderType, period string) (bool, error)
	CreateNotification(ctx context.Context, notif *store.Notification) error
}

// TipGenerator produces the AI care-alert text. Nil when AI is disabled.
type TipGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Summary is what a job run reports back to the scheduler.
type Summary struct {
	Message           string `json:"message"`
	NotificationsSent int    `json:"notificationsSent"`
	EmailsSent        int    `json:"emailsSent"`
	Failures          int    `json:"failures"`
}

// Runner executes the reminder jobs.
type Runner struct {
	store  Store
	mail   mailer.Sender
	tips   TipGenerator
	logger *zap.Logger
	now    func() time.Time
}

// New creates a job runner. tips may be nil when AI features are off.
func New(s Store, mail mailer.Sender, tips TipGenerator, logger *zap.Logger) *Runner {
	return &Runner{
		store:  s,
		mail:   mail,
		tips:   tips,
		logger: logger,
		now:    time.Now,
	}
}
