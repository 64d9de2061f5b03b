package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/mailer"
	"github.com/wooffyapp/wooffy/internal/metrics"
	"github.com/wooffyapp/wooffy/internal/store"
)

// BirthdayNoticeDays is the inclusive upper bound on days-until-birthday
// that triggers a reminder (0 through 3).
const BirthdayNoticeDays = 3

// RunBirthdayReminders notifies opted-in businesses about upcoming
// birthdays of their customers' pets. Deduped per (business, pet) per UTC
// calendar day, so the job can run daily without double-notifying.
func (r *Runner) RunBirthdayReminders(ctx context.Context) (*Summary, error) {
	now := r.now()
	summary := &Summary{}

	businesses, err := r.store.BusinessesWithBirthdayReminders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load businesses: %w", err)
	}

	for _, b := range businesses {
		pets, err := r.store.BirthdayPetsForBusiness(ctx, b.ID)
		if err != nil {
			r.logger.Error("failed to load birthday pets",
				zap.Error(err),
				zap.String("business_id", b.ID.String()),
			)
			summary.Failures++
			continue
		}

		for _, pet := range pets {
			daysUntil := DaysUntilBirthday(*pet.Birthday, now)
			if daysUntil > BirthdayNoticeDays {
				continue
			}
			r.remindBirthday(ctx, b, pet, daysUntil, now, summary)
		}
	}

	summary.Message = fmt.Sprintf("birthday reminder run complete: %d notified, %d emails, %d failures",
		summary.NotificationsSent, summary.EmailsSent, summary.Failures)

	r.logger.Info("birthday reminder job finished",
		zap.Int("businesses", len(businesses)),
		zap.Int("notifications_sent", summary.NotificationsSent),
		zap.Int("emails_sent", summary.EmailsSent),
		zap.Int("failures", summary.Failures),
	)

	return summary, nil
}

func (r *Runner) remindBirthday(ctx context.Context, b *store.Business, pet *store.Pet, daysUntil int, now time.Time, summary *Summary) {
	period := now.UTC().Format("2006-01-02")
	reminderType := store.NotificationBirthday + ":" + b.ID.String()

	reserved, err := r.store.ReserveReminder(ctx, pet.ID, reminderType, period)
	if err != nil {
		r.logger.Error("failed to reserve birthday reminder",
			zap.Error(err),
			zap.String("business_id", b.ID.String()),
			zap.String("pet_id", pet.ID.String()),
		)
		summary.Failures++
		return
	}
	if !reserved {
		return
	}

	subject, body := birthdayEmail(b, pet, daysUntil)

	notif := &store.Notification{
		ID:              uuid.New(),
		UserID:          b.OwnerUserID,
		Type:            store.NotificationBirthday,
		Title:           subject,
		Body:            body,
		RelatedEntityID: &pet.ID,
	}
	if err := r.store.CreateNotification(ctx, notif); err != nil {
		r.logger.Error("failed to create birthday notification",
			zap.Error(err),
			zap.String("business_id", b.ID.String()),
			zap.String("pet_id", pet.ID.String()),
		)
		summary.Failures++
	} else {
		summary.NotificationsSent++
		metrics.RecordReminderSent(store.NotificationBirthday)
	}

	if err := r.mail.Send(ctx, mailer.Email{To: b.ContactEmail, Subject: subject, Body: body}); err != nil {
		r.logger.Warn("failed to send birthday reminder email",
			zap.Error(err),
			zap.String("business_id", b.ID.String()),
			zap.String("pet_id", pet.ID.String()),
		)
		metrics.RecordEmail("failed")
	} else {
		summary.EmailsSent++
		metrics.RecordEmail("sent")
	}
}

// DaysUntilBirthday computes whole days from UTC-midnight today to the
// next occurrence of the pet's birthday, also at UTC midnight. Calendar
// arithmetic is done entirely in UTC to avoid timezone drift.
func DaysUntilBirthday(birthday, now time.Time) int {
	birthday = birthday.UTC()
	today := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)

	next := time.Date(today.Year(), birthday.Month(), birthday.Day(), 0, 0, 0, 0, time.UTC)
	if next.Before(today) {
		next = time.Date(today.Year()+1, birthday.Month(), birthday.Day(), 0, 0, 0, 0, time.UTC)
	}

	return int(next.Sub(today) / (24 * time.Hour))
}

func birthdayEmail(b *store.Business, pet *store.Pet, daysUntil int) (subject, body string) {
	when := "today"
	switch daysUntil {
	case 1:
		when = "tomorrow"
	case 2, 3:
		when = fmt.Sprintf("in %d days", daysUntil)
	}

	subject = fmt.Sprintf("%s's birthday is %s", pet.Name, when)
	body = fmt.Sprintf(
		"Hi %s,\n\n%s the %s, a pet of one of your Wooffy customers, has a birthday %s. A small birthday treat or a personal note goes a long way.\n\nThe Wooffy team",
		b.Name, pet.Name, pet.Breed, when)

	return subject, body
}
