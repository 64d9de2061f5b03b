package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long redemption idempotency keys are retained.
	// The business terminal controls the key, so a long TTL gives it
	// explicit dedup control over retried commits.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a commit is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent
// redemption commit.
type IdempotencyResult struct {
	RedemptionID string `json:"redemption_id"`
	StatusCode   int    `json:"status_code"`
	CreatedAt    int64  `json:"created_at"`
}

// IdempotencyService guards the redemption commit against client retries.
// The per-offer uniqueness of one-time redemptions is enforced by the
// database; this catches retried commits of repeatable offers, which the
// database cannot distinguish from intentional re-redemptions.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(businessID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", businessID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, businessID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(businessID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("business_id", businessID),
		zap.String("redemption_id", result.RedemptionID),
	)

	return &result, nil
}

// Store saves the result of a successfully committed redemption.
func (s *IdempotencyService) Store(ctx context.Context, businessID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(businessID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX.
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, businessID, idempotencyKey string) (bool, error) {
	key := s.buildKey(businessID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops the processing marker after a failed commit so a retry
// with the same key can run immediately instead of waiting out the
// processing TTL. A key holding a stored result is left alone.
func (s *IdempotencyService) Release(ctx context.Context, businessID, idempotencyKey string) error {
	key := s.buildKey(businessID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}

	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns cached result if found, nil if reserved successfully, or error.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, businessID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, businessID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, businessID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
