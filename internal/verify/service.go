// Package verify implements the membership-gated offer verification flow:
// per-business lockout, member-code lookup, expiry and offer availability
// checks, and duplicate-redemption detection. Verification never creates
// the redemption itself; it only authorizes one.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/store"
)

// Lockout policy. The failure counter is business-scoped and derived from
// the durable attempt log on every call.
const (
	MaxFailedAttempts = 10
	RateLimitWindow   = 15 * time.Minute
	LockoutWindow     = 30 * time.Minute
)

// Verification outcomes. These are business results carried in a 200
// response body, not transport errors.
const (
	StatusInvalid          = "invalid"
	StatusExpired          = "expired"
	StatusAlreadyRedeemed  = "already_redeemed"
	StatusOfferUnavailable = "offer_unavailable"
	StatusValid            = "valid"
)

const expiryDateFormat = "January 2, 2006"

// RateLimitedError is returned when the business has exhausted its failed
// attempts and must wait out the lockout.
type RateLimitedError struct {
	ExpiresAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("verification locked out until %s", e.ExpiresAt.Format(time.RFC3339))
}

// Store is the slice of the membership store the verifier needs.
type Store interface {
	FailedAttemptTimesSince(ctx context.Context, businessID uuid.UUID, since time.Time) ([]time.Time, error)
	RecordAttempt(ctx context.Context, businessID uuid.UUID, memberCode string, success bool) error
	MembershipByCode(ctx context.Context, code string) (*store.Membership, error)
	PrimaryPet(ctx context.Context, membershipID uuid.UUID) (*store.Pet, error)
	PetCount(ctx context.Context, membershipID uuid.UUID) (int, error)
	OfferByID(ctx context.Context, id uuid.UUID) (*store.Offer, error)
	RedemptionCountSince(ctx context.Context, membershipID, offerID uuid.UUID, since time.Time) (int, error)
}

// Request carries one verification call from a business terminal.
type Request struct {
	MemberCode string
	OfferID    uuid.UUID
	BusinessID uuid.UUID
}

// Result is the business outcome of a verification call. Only the fields
// relevant to the status are populated.
type Result struct {
	Status            string `json:"status"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
	MemberName        string `json:"memberName,omitempty"`
	PetName           string `json:"petName,omitempty"`
	MemberID          string `json:"memberId,omitempty"`
	MembershipID      string `json:"membershipId,omitempty"`
	ExpiryDate        string `json:"expiryDate,omitempty"`
	Discount          string `json:"discount,omitempty"`
	OfferID           string `json:"offerId,omitempty"`
	OfferTitle        string `json:"offerTitle,omitempty"`
}

// Service applies the verification decision rules.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a verification service.
func NewService(s Store, logger *zap.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Verify checks a member code against an offer for a business and returns
// the outcome. A *RateLimitedError means the business is locked out; any
// other error is an unexpected persistence failure.
func (s *Service) Verify(ctx context.Context, req Request) (*Result, error) {
	now := s.now()

	// Lockout first: nothing else runs while the business is locked.
	failures, err := s.store.FailedAttemptTimesSince(ctx, req.BusinessID, now.Add(-RateLimitWindow))
	if err != nil {
		return nil, fmt.Errorf("load failed attempts: %w", err)
	}
	if len(failures) >= MaxFailedAttempts {
		// Lockout runs from the oldest failure still inside the window.
		return nil, &RateLimitedError{ExpiresAt: failures[0].Add(LockoutWindow)}
	}

	code := strings.TrimSpace(req.MemberCode)

	membership, err := s.store.MembershipByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.RecordAttempt(ctx, req.BusinessID, code, false); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
		remaining := MaxFailedAttempts - len(failures) - 1
		if remaining < 0 {
			remaining = 0
		}
		s.logger.Info("verification rejected: unknown member code",
			zap.String("business_id", req.BusinessID.String()),
			zap.Int("attempts_remaining", remaining),
		)
		return &Result{Status: StatusInvalid, AttemptsRemaining: &remaining}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup membership: %w", err)
	}

	petName := ""
	if pet, err := s.store.PrimaryPet(ctx, membership.ID); err == nil {
		petName = pet.Name
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup pet: %w", err)
	}

	if !membership.Valid(now) {
		// Policy carried over from the web app: every non-valid outcome
		// counts as a failed attempt, lapsed cards included.
		if err := s.store.RecordAttempt(ctx, req.BusinessID, code, false); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
		s.logger.Info("verification rejected: membership expired or inactive",
			zap.String("business_id", req.BusinessID.String()),
			zap.String("membership_id", membership.ID.String()),
		)
		return &Result{
			Status:     StatusExpired,
			MemberName: membership.DisplayName,
			PetName:    petName,
			MemberID:   membership.MemberCode,
			ExpiryDate: membership.ExpiresAt.Format(expiryDateFormat),
		}, nil
	}

	offer, err := s.store.OfferByID(ctx, req.OfferID)
	if errors.Is(err, store.ErrNotFound) {
		return s.offerUnavailable(ctx, req, code, membership, petName)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup offer: %w", err)
	}
	if offer.BusinessID != req.BusinessID || !offer.Available(now) {
		return s.offerUnavailable(ctx, req, code, membership, petName)
	}

	if offer.Frequency != store.FrequencyUnlimited {
		redeemed, err := s.alreadyRedeemed(ctx, membership.ID, offer, now)
		if err != nil {
			return nil, err
		}
		if redeemed {
			if err := s.store.RecordAttempt(ctx, req.BusinessID, code, true); err != nil {
				return nil, fmt.Errorf("record attempt: %w", err)
			}
			s.logger.Info("verification rejected: already redeemed",
				zap.String("business_id", req.BusinessID.String()),
				zap.String("membership_id", membership.ID.String()),
				zap.String("offer_id", offer.ID.String()),
			)
			return &Result{
				Status:     StatusAlreadyRedeemed,
				MemberName: membership.DisplayName,
				PetName:    petName,
				MemberID:   membership.MemberCode,
				ExpiryDate: membership.ExpiresAt.Format(expiryDateFormat),
				OfferTitle: offer.Title,
			}, nil
		}
	}

	if err := s.store.RecordAttempt(ctx, req.BusinessID, code, true); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	s.logger.Info("verification approved",
		zap.String("business_id", req.BusinessID.String()),
		zap.String("membership_id", membership.ID.String()),
		zap.String("offer_id", offer.ID.String()),
	)

	return &Result{
		Status:       StatusValid,
		MemberName:   membership.DisplayName,
		PetName:      petName,
		MemberID:     membership.MemberCode,
		MembershipID: membership.ID.String(),
		ExpiryDate:   membership.ExpiresAt.Format(expiryDateFormat),
		Discount:     DiscountDisplay(offer),
		OfferID:      offer.ID.String(),
		OfferTitle:   offer.Title,
	}, nil
}

// offerUnavailable covers offer-not-found, wrong business, validity window
// and day/hour restrictions. The member code itself was valid, so the
// attempt is recorded as a success and does not feed the lockout counter.
func (s *Service) offerUnavailable(ctx context.Context, req Request, code string, membership *store.Membership, petName string) (*Result, error) {
	if err := s.store.RecordAttempt(ctx, req.BusinessID, code, true); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	s.logger.Info("verification rejected: offer unavailable",
		zap.String("business_id", req.BusinessID.String()),
		zap.String("offer_id", req.OfferID.String()),
	)
	return &Result{
		Status:     StatusOfferUnavailable,
		MemberName: membership.DisplayName,
		PetName:    petName,
		MemberID:   membership.MemberCode,
		ExpiryDate: membership.ExpiresAt.Format(expiryDateFormat),
	}, nil
}

// alreadyRedeemed applies the offer's frequency window and scope. Per-pet
// offers allow one redemption per registered pet inside the window.
func (s *Service) alreadyRedeemed(ctx context.Context, membershipID uuid.UUID, offer *store.Offer, now time.Time) (bool, error) {
	since := FrequencyWindowStart(offer.Frequency, now)

	count, err := s.store.RedemptionCountSince(ctx, membershipID, offer.ID, since)
	if err != nil {
		return false, fmt.Errorf("count redemptions: %w", err)
	}

	limit := 1
	if offer.Scope == store.ScopePerPet {
		pets, err := s.store.PetCount(ctx, membershipID)
		if err != nil {
			return false, fmt.Errorf("count pets: %w", err)
		}
		if pets > 1 {
			limit = pets
		}
	}

	return count >= limit, nil
}

// FrequencyWindowStart returns the instant the current redemption window
// opened, in UTC calendar terms: daily resets at UTC midnight, weekly at
// Monday 00:00 UTC, monthly on the 1st. One-time offers get the zero time
// (the window never resets).
func FrequencyWindowStart(frequency string, now time.Time) time.Time {
	now = now.UTC()
	switch frequency {
	case store.FrequencyDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case store.FrequencyWeekly:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		monday := now.AddDate(0, 0, -daysSinceMonday)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	case store.FrequencyMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // one_time
		return time.Time{}
	}
}

// DiscountDisplay renders the human-readable discount line shown to the
// operator, e.g. "Premium Wash: 20% off".
func DiscountDisplay(o *store.Offer) string {
	var value string
	switch o.DiscountKind {
	case store.DiscountPercentage:
		value = fmt.Sprintf("%g%% off", o.DiscountValue)
	case store.DiscountFixedAmount:
		value = fmt.Sprintf("$%.2f off", o.DiscountValue)
	case store.DiscountBOGO:
		value = "buy one get one free"
	case store.DiscountFreeItem:
		value = "free item"
	default:
		value = "discount"
	}
	return fmt.Sprintf("%s: %s", o.Title, value)
}
