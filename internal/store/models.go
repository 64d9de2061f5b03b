package store

import (
	"time"

	"github.com/google/uuid"
)

// Plan tier constants
const (
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// Discount kind constants
const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
	DiscountBOGO        = "bogo"
	DiscountFreeItem    = "free_item"
)

// Redemption scope constants
const (
	ScopePerMember = "per_member"
	ScopePerPet    = "per_pet"
)

// Redemption frequency constants
const (
	FrequencyOneTime   = "one_time"
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyUnlimited = "unlimited"
)

// Membership is one paying account. Rows are never hard-deleted so past
// redemptions keep a valid audit trail.
type Membership struct {
	ID          uuid.UUID `json:"id"`
	MemberCode  string    `json:"member_code"`
	UserID      uuid.UUID `json:"user_id"`
	PlanTier    string    `json:"plan_tier"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Valid reports whether the membership can redeem offers at time now.
func (m *Membership) Valid(now time.Time) bool {
	return m.IsActive && m.ExpiresAt.After(now)
}

// Pet belongs to a membership. Birthday is a calendar date stored at UTC
// midnight; nil when the owner never filled it in.
type Pet struct {
	ID           uuid.UUID  `json:"id"`
	MembershipID uuid.UUID  `json:"membership_id"`
	Name         string     `json:"name"`
	Breed        string     `json:"breed"`
	Birthday     *time.Time `json:"birthday,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Business is a partner that publishes offers and verifies member codes.
type Business struct {
	ID                       uuid.UUID `json:"id"`
	Name                     string    `json:"name"`
	OwnerUserID              uuid.UUID `json:"owner_user_id"`
	ContactEmail             string    `json:"contact_email"`
	BirthdayRemindersEnabled bool      `json:"birthday_reminders_enabled"`
	CreatedAt                time.Time `json:"created_at"`
}

// Offer is a discount published by a business.
type Offer struct {
	ID            uuid.UUID  `json:"id"`
	BusinessID    uuid.UUID  `json:"business_id"`
	Title         string     `json:"title"`
	DiscountKind  string     `json:"discount_kind"`
	DiscountValue float64    `json:"discount_value"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	LimitedTime   bool       `json:"limited_time"`
	Scope         string     `json:"scope"`
	Frequency     string     `json:"frequency"`
	DaysOfWeek    []int32    `json:"days_of_week,omitempty"` // 0=Sunday..6=Saturday, empty = every day
	HourStart     *int16     `json:"hour_start,omitempty"`   // inclusive, UTC
	HourEnd       *int16     `json:"hour_end,omitempty"`     // exclusive, UTC
	CreatedAt     time.Time  `json:"created_at"`
}

// Available reports whether the offer can be redeemed at time now,
// considering the validity window and day/hour restrictions.
func (o *Offer) Available(now time.Time) bool {
	if o.ValidFrom != nil && now.Before(*o.ValidFrom) {
		return false
	}
	if o.ValidUntil != nil && now.After(*o.ValidUntil) {
		return false
	}
	if len(o.DaysOfWeek) > 0 {
		day := int32(now.UTC().Weekday())
		found := false
		for _, d := range o.DaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.HourStart != nil && o.HourEnd != nil {
		hour := int16(now.UTC().Hour())
		if hour < *o.HourStart || hour >= *o.HourEnd {
			return false
		}
	}
	return true
}

// Redemption records that a membership used an offer at a business.
// Created only after the operator confirms; immutable thereafter.
type Redemption struct {
	ID           uuid.UUID  `json:"id"`
	MembershipID uuid.UUID  `json:"membership_id"`
	OfferID      uuid.UUID  `json:"offer_id"`
	BusinessID   uuid.UUID  `json:"business_id"`
	PetID        *uuid.UUID `json:"pet_id,omitempty"`
	RedeemedAt   time.Time  `json:"redeemed_at"`
}

// VerificationAttempt is an audit row for one verify call. Insert-only;
// failed attempts feed the per-business lockout counter.
type VerificationAttempt struct {
	ID         uuid.UUID `json:"id"`
	BusinessID uuid.UUID `json:"business_id"`
	MemberCode string    `json:"member_code"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification type constants
const (
	NotificationExpiry3Days  = "expiry_3_days"
	NotificationExpiry7Days  = "expiry_7_days"
	NotificationExpiry30Days = "expiry_30_days"
	NotificationBirthday     = "pet_birthday"
	NotificationAIAlert      = "ai_care_alert"
)

// Notification is one row in a user's in-app feed. The feed row is the
// authoritative side effect of reminder jobs; email is best-effort.
type Notification struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Type            string     `json:"type"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	RelatedEntityID *uuid.UUID `json:"related_entity_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ReminderLog is the idempotency-key table for reminder sends. The unique
// constraint on (entity_id, reminder_type, period) makes the insert itself
// the dedupe check: insert-or-ignore, and only an actual insert emits.
type ReminderLog struct {
	ID           uuid.UUID `json:"id"`
	EntityID     uuid.UUID `json:"entity_id"`
	ReminderType string    `json:"reminder_type"`
	Period       string    `json:"period"` // "" for fire-once reminders, YYYY-MM-DD for per-day
	CreatedAt    time.Time `json:"created_at"`
}
