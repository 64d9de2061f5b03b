package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRedeemed = errors.New("offer already redeemed")
)

const uniqueViolation = "23505"

// Repository handles database operations for the membership store
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new membership store repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// MembershipByCode looks up a membership by exact member-code match.
// The caller is responsible for trimming; matching is case-sensitive.
func (r *Repository) MembershipByCode(ctx context.Context, code string) (*Membership, error) {
	query := `
		SELECT
			id, member_code, user_id, plan_tier, display_name, email,
			is_active, expires_at, created_at, updated_at
		FROM memberships
		WHERE member_code = $1
	`

	var m Membership
	err := r.db.Pool().QueryRow(ctx, query, code).Scan(
		&m.ID,
		&m.MemberCode,
		&m.UserID,
		&m.PlanTier,
		&m.DisplayName,
		&m.Email,
		&m.IsActive,
		&m.ExpiresAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query membership by code: %w", err)
	}

	return &m, nil
}

// PrimaryPet returns the membership's oldest pet, which is the one shown
// on the verification screen. ErrNotFound when the member has no pets.
func (r *Repository) PrimaryPet(ctx context.Context, membershipID uuid.UUID) (*Pet, error) {
	query := `
		SELECT id, membership_id, name, breed, birthday, created_at
		FROM pets
		WHERE membership_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`

	var p Pet
	err := r.db.Pool().QueryRow(ctx, query, membershipID).Scan(
		&p.ID, &p.MembershipID, &p.Name, &p.Breed, &p.Birthday, &p.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query primary pet: %w", err)
	}

	return &p, nil
}

// PetCount returns how many pets a membership has registered.
func (r *Repository) PetCount(ctx context.Context, membershipID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM pets WHERE membership_id = $1`, membershipID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pets: %w", err)
	}
	return count, nil
}

// PetsByUser returns all pets across the user's memberships, used by the
// AI chat proxy to build the care context.
func (r *Repository) PetsByUser(ctx context.Context, userID uuid.UUID) ([]*Pet, error) {
	query := `
		SELECT p.id, p.membership_id, p.name, p.breed, p.birthday, p.created_at
		FROM pets p
		JOIN memberships m ON m.id = p.membership_id
		WHERE m.user_id = $1
		ORDER BY p.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query pets by user: %w", err)
	}
	defer rows.Close()

	var pets []*Pet
	for rows.Next() {
		var p Pet
		if err := rows.Scan(&p.ID, &p.MembershipID, &p.Name, &p.Breed, &p.Birthday, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pet: %w", err)
		}
		pets = append(pets, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return pets, nil
}

// OfferByID retrieves a single offer.
func (r *Repository) OfferByID(ctx context.Context, id uuid.UUID) (*Offer, error) {
	query := `
		SELECT
			id, business_id, title, discount_kind, discount_value,
			valid_from, valid_until, limited_time, scope, frequency,
			days_of_week, hour_start, hour_end, created_at
		FROM offers
		WHERE id = $1
	`

	var o Offer
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&o.ID,
		&o.BusinessID,
		&o.Title,
		&o.DiscountKind,
		&o.DiscountValue,
		&o.ValidFrom,
		&o.ValidUntil,
		&o.LimitedTime,
		&o.Scope,
		&o.Frequency,
		&o.DaysOfWeek,
		&o.HourStart,
		&o.HourEnd,
		&o.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query offer: %w", err)
	}

	return &o, nil
}

// RedemptionCountSince counts redemptions of an offer by a membership at or
// after the given instant. A zero since counts all redemptions ever.
func (r *Repository) RedemptionCountSince(ctx context.Context, membershipID, offerID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM redemptions
		WHERE membership_id = $1 AND offer_id = $2 AND redeemed_at >= $3
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, membershipID, offerID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return count, nil
}

// CreateRedemption inserts a redemption row. The partial unique index on
// (membership_id, offer_id) for one-time offers turns a concurrent
// double-commit into ErrAlreadyRedeemed instead of a second row.
func (r *Repository) CreateRedemption(ctx context.Context, red *Redemption) error {
	query := `
		INSERT INTO redemptions (id, membership_id, offer_id, business_id, pet_id, redeemed_at, one_time)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT frequency = 'one_time' FROM offers WHERE id = $3), FALSE))
	`

	_, err := r.db.Pool().Exec(ctx, query,
		red.ID, red.MembershipID, red.OfferID, red.BusinessID, red.PetID, red.RedeemedAt,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyRedeemed
	}
	if err != nil {
		r.logger.Error("failed to create redemption",
			zap.Error(err),
			zap.String("membership_id", red.MembershipID.String()),
			zap.String("offer_id", red.OfferID.String()),
		)
		return fmt.Errorf("insert redemption: %w", err)
	}

	return nil
}

// RecordAttempt writes one verification attempt audit row. Every verify
// call produces exactly one, success or not.
func (r *Repository) RecordAttempt(ctx context.Context, businessID uuid.UUID, memberCode string, success bool) error {
	query := `
		INSERT INTO verification_attempts (id, business_id, member_code, success)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Pool().Exec(ctx, query, uuid.New(), businessID, memberCode, success)
	if err != nil {
		return fmt.Errorf("insert verification attempt: %w", err)
	}
	return nil
}

// FailedAttemptTimesSince returns the timestamps of failed verification
// attempts for a business since the given instant, oldest first. The
// lockout decision is always derived from this durable log, never from
// process-local state, so it holds across server instances.
func (r *Repository) FailedAttemptTimesSince(ctx context.Context, businessID uuid.UUID, since time.Time) ([]time.Time, error) {
	query := `
		SELECT created_at
		FROM verification_attempts
		WHERE business_id = $1 AND success = FALSE AND created_at >= $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, businessID, since)
	if err != nil {
		return nil, fmt.Errorf("query failed attempts: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan attempt time: %w", err)
		}
		times = append(times, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return times, nil
}

// MembershipsExpiringWithin returns active memberships whose expiry falls
// inside the next `days` days, soonest first.
func (r *Repository) MembershipsExpiringWithin(ctx context.Context, days int) ([]*Membership, error) {
	query := `
		SELECT
			id, member_code, user_id, plan_tier, display_name, email,
			is_active, expires_at, created_at, updated_at
		FROM memberships
		WHERE is_active = TRUE
		  AND expires_at > NOW()
		  AND expires_at <= NOW() + ($1 * INTERVAL '1 day')
		ORDER BY expires_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("query expiring memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*Membership
	for rows.Next() {
		var m Membership
		err := rows.Scan(
			&m.ID, &m.MemberCode, &m.UserID, &m.PlanTier, &m.DisplayName,
			&m.Email, &m.IsActive, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return memberships, nil
}

// BusinessesWithBirthdayReminders returns partners that opted in to
// customer-pet birthday reminders.
func (r *Repository) BusinessesWithBirthdayReminders(ctx context.Context) ([]*Business, error) {
	query := `
		SELECT id, name, owner_user_id, contact_email, birthday_reminders_enabled, created_at
		FROM businesses
		WHERE birthday_reminders_enabled = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query businesses: %w", err)
	}
	defer rows.Close()

	var businesses []*Business
	for rows.Next() {
		var b Business
		err := rows.Scan(&b.ID, &b.Name, &b.OwnerUserID, &b.ContactEmail, &b.BirthdayRemindersEnabled, &b.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		businesses = append(businesses, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return businesses, nil
}

// BirthdayPetsForBusiness returns pets with a known birthday whose owners
// have ever redeemed an offer at the business.
func (r *Repository) BirthdayPetsForBusiness(ctx context.Context, businessID uuid.UUID) ([]*Pet, error) {
	query := `
		SELECT DISTINCT p.id, p.membership_id, p.name, p.breed, p.birthday, p.created_at
		FROM pets p
		JOIN redemptions rd ON rd.membership_id = p.membership_id
		WHERE rd.business_id = $1 AND p.birthday IS NOT NULL
		ORDER BY p.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("query birthday pets: %w", err)
	}
	defer rows.Close()

	var pets []*Pet
	for rows.Next() {
		var p Pet
		if err := rows.Scan(&p.ID, &p.MembershipID, &p.Name, &p.Breed, &p.Birthday, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pet: %w", err)
		}
		pets = append(pets, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return pets, nil
}

// ReserveReminder attempts to claim the reminder slot for
// (entity, type, period). Returns true when this call claimed it, false
// when a previous run already did. The insert is the dedupe check.
func (r *Repository) ReserveReminder(ctx context.Context, entityID uuid.UUID, reminderType, period string) (bool, error) {
	query := `
		INSERT INTO reminder_log (id, entity_id, reminder_type, period)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id, reminder_type, period) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, uuid.New(), entityID, reminderType, period)
	if err != nil {
		return false, fmt.Errorf("insert reminder log: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// CreateNotification inserts a row into the in-app feed.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, body, related_entity_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID, notif.UserID, notif.Type, notif.Title, notif.Body, notif.RelatedEntityID,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", notif.UserID.String()),
			zap.String("type", notif.Type),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// NotificationsByUser lists a user's in-app feed, newest first.
func (r *Repository) NotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, type, title, body, related_entity_id, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.RelatedEntityID, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}
