package jobs

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/mailer"
	"github.com/wooffyapp/wooffy/internal/metrics"
	"github.com/wooffyapp/wooffy/internal/store"
)

// ExpiryScanWindowDays is how far ahead the expiry job looks.
const ExpiryScanWindowDays = 30

// RunExpiryReminders scans active memberships expiring within the next 30
// days, buckets each into exactly one urgency tier and notifies the owner.
// Each tier fires at most once per membership, ever: a member already
// reminded at the 7-day tier is not re-reminded there, but still gets the
// 3-day tier when it comes due.
func (r *Runner) RunExpiryReminders(ctx context.Context) (*Summary, error) {
	now := r.now()
	summary := &Summary{}

	memberships, err := r.store.MembershipsExpiringWithin(ctx, ExpiryScanWindowDays)
	if err != nil {
		return nil, fmt.Errorf("load expiring memberships: %w", err)
	}

	for _, m := range memberships {
		daysLeft := int(math.Ceil(m.ExpiresAt.Sub(now).Hours() / 24))
		tier := expiryTier(daysLeft)
		if tier == "" {
			continue
		}

		// One recipient's failure never aborts the batch.
		r.remindExpiry(ctx, m, tier, daysLeft, summary)
	}

	summary.Message = fmt.Sprintf("expiry reminder run complete: %d notified, %d emails, %d failures",
		summary.NotificationsSent, summary.EmailsSent, summary.Failures)

	r.logger.Info("expiry reminder job finished",
		zap.Int("scanned", len(memberships)),
		zap.Int("notifications_sent", summary.NotificationsSent),
		zap.Int("emails_sent", summary.EmailsSent),
		zap.Int("failures", summary.Failures),
	)

	return summary, nil
}

func (r *Runner) remindExpiry(ctx context.Context, m *store.Membership, tier string, daysLeft int, summary *Summary) {
	reserved, err := r.store.ReserveReminder(ctx, m.ID, tier, "")
	if err != nil {
		// Dedupe insert failed: logged, not retried within this run.
		r.logger.Error("failed to reserve expiry reminder",
			zap.Error(err),
			zap.String("membership_id", m.ID.String()),
			zap.String("tier", tier),
		)
		summary.Failures++
		return
	}
	if !reserved {
		return
	}

	subject, body := expiryEmail(m, tier, daysLeft)

	notif := &store.Notification{
		ID:              uuid.New(),
		UserID:          m.UserID,
		Type:            tier,
		Title:           subject,
		Body:            body,
		RelatedEntityID: &m.ID,
	}
	if err := r.store.CreateNotification(ctx, notif); err != nil {
		r.logger.Error("failed to create expiry notification",
			zap.Error(err),
			zap.String("membership_id", m.ID.String()),
		)
		summary.Failures++
	} else {
		summary.NotificationsSent++
		metrics.RecordReminderSent(tier)
	}

	// Email is best-effort; the feed row above is authoritative.
	if err := r.mail.Send(ctx, mailer.Email{To: m.Email, Subject: subject, Body: body}); err != nil {
		r.logger.Warn("failed to send expiry reminder email",
			zap.Error(err),
			zap.String("membership_id", m.ID.String()),
			zap.String("tier", tier),
		)
		metrics.RecordEmail("failed")
	} else {
		summary.EmailsSent++
		metrics.RecordEmail("sent")
	}
}

// expiryTier buckets days-left into exactly one tier, most urgent first.
// A membership with 2 days left is expiry_3_days, never the later tiers.
func expiryTier(daysLeft int) string {
	switch {
	case daysLeft <= 3:
		return store.NotificationExpiry3Days
	case daysLeft <= 7:
		return store.NotificationExpiry7Days
	case daysLeft <= ExpiryScanWindowDays:
		return store.NotificationExpiry30Days
	default:
		return ""
	}
}

func expiryEmail(m *store.Membership, tier string, daysLeft int) (subject, body string) {
	expiry := m.ExpiresAt.Format("January 2, 2006")

	switch tier {
	case store.NotificationExpiry3Days:
		subject = "Your Wooffy membership expires in a few days"
		body = fmt.Sprintf(
			"Hi %s,\n\nYour Wooffy membership expires on %s - that's only %d day(s) away. Renew now so you and your pets don't miss a single discount.\n\nThe Wooffy team",
			m.DisplayName, expiry, daysLeft)
	case store.NotificationExpiry7Days:
		subject = "One week left on your Wooffy membership"
		body = fmt.Sprintf(
			"Hi %s,\n\nYour Wooffy membership expires on %s. Renew this week to keep your partner discounts active.\n\nThe Wooffy team",
			m.DisplayName, expiry)
	default:
		subject = "Your Wooffy membership expires soon"
		body = fmt.Sprintf(
			"Hi %s,\n\nJust a heads up: your Wooffy membership expires on %s. You can renew any time from your account page.\n\nThe Wooffy team",
			m.DisplayName, expiry)
	}

	return subject, body
}
