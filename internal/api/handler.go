package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/ai"
	"github.com/wooffyapp/wooffy/internal/events"
	"github.com/wooffyapp/wooffy/internal/jobs"
	"github.com/wooffyapp/wooffy/internal/metrics"
	"github.com/wooffyapp/wooffy/internal/redis"
	"github.com/wooffyapp/wooffy/internal/store"
	"github.com/wooffyapp/wooffy/internal/verify"
)

// Error codes carried in non-200 responses. Business outcomes (invalid,
// expired, already_redeemed, valid) are not errors; they travel as a
// status field in a 200 body.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeMissingFields   = "MISSING_FIELDS"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeAlreadyRedeemed = "ALREADY_REDEEMED"
	CodeInvalidUserID   = "INVALID_USER_ID"
	CodeAIDisabled      = "AI_DISABLED"
	CodeDuplicate       = "DUPLICATE_REQUEST"
)

// Verifier runs the verification decision rules.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (*verify.Result, error)
}

// Repository defines the store operations the handlers use directly.
type Repository interface {
	CreateRedemption(ctx context.Context, red *store.Redemption) error
	NotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*store.Notification, error)
}

// JobRunner exposes the scheduled jobs to their HTTP trigger endpoints.
type JobRunner interface {
	RunExpiryReminders(ctx context.Context) (*jobs.Summary, error)
	RunBirthdayReminders(ctx context.Context) (*jobs.Summary, error)
	RunAIAlert(ctx context.Context, userID uuid.UUID) (*jobs.Summary, error)
}

// Chatter proxies member conversations to the LLM.
type Chatter interface {
	Chat(ctx context.Context, userID uuid.UUID, conversation []ai.ChatMessage) (string, error)
}

// ErrorResponse is the body of every non-200 response.
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	LockoutExpiresAt string `json:"lockoutExpiresAt,omitempty"`
	RemainingMinutes int    `json:"remainingMinutes,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	verifier Verifier
	repo     Repository
	jobs     JobRunner

	chat        Chatter                   // nil if AI not configured
	chatLimiter *redis.RateLimiter        // nil if Redis not configured
	idempotency *redis.IdempotencyService // nil if Redis not configured
	events      *events.Publisher         // nil if SNS not configured
}

// NewHandler creates a new API handler with the required dependencies.
func NewHandler(logger *zap.Logger, verifier Verifier, repo Repository, jobRunner JobRunner) *Handler {
	return &Handler{
		logger:   logger,
		verifier: verifier,
		repo:     repo,
		jobs:     jobRunner,
	}
}

// WithChat enables the AI chat proxy, rate-limited per user.
func (h *Handler) WithChat(chat Chatter, limiter *redis.RateLimiter) *Handler {
	h.chat = chat
	h.chatLimiter = limiter
	return h
}

// WithIdempotency enables Idempotency-Key support on redemption commits.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithEvents enables redemption event publishing.
func (h *Handler) WithEvents(pub *events.Publisher) *Handler {
	h.events = pub
	return h
}

// VerifyRequest is the body of POST /v1/verify. MemberID is the
// human-typed member code from the card.
type VerifyRequest struct {
	MemberID   string `json:"memberId"`
	OfferID    string `json:"offerId"`
	BusinessID string `json:"businessId"`
}

// Verify handles POST /v1/verify. Transport failures get error status
// codes; the four business outcomes are a status field in a 200 body.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "Malformed JSON body")
		return
	}

	if req.MemberID == "" || req.OfferID == "" || req.BusinessID == "" {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "memberId, offerId and businessId are required")
		return
	}

	offerID, err := uuid.Parse(req.OfferID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "offerId must be a valid UUID")
		return
	}
	businessID, err := uuid.Parse(req.BusinessID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "businessId must be a valid UUID")
		return
	}

	result, err := h.verifier.Verify(ctx, verify.Request{
		MemberCode: req.MemberID,
		OfferID:    offerID,
		BusinessID: businessID,
	})

	var rateLimited *verify.RateLimitedError
	if errors.As(err, &rateLimited) {
		metrics.RecordLockout()
		remaining := int(math.Ceil(time.Until(rateLimited.ExpiresAt).Minutes()))
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:            "Too many failed verification attempts, try again later",
			Code:             CodeRateLimited,
			LockoutExpiresAt: rateLimited.ExpiresAt.UTC().Format(time.RFC3339),
			RemainingMinutes: remaining,
		})
		return
	}
	if err != nil {
		h.logger.Error("verification failed",
			zap.Error(err),
			zap.String("business_id", req.BusinessID),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	metrics.RecordVerification(result.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// RedemptionRequest is the body of POST /v1/redemptions, the commit the
// business terminal issues after the operator confirms a valid result.
type RedemptionRequest struct {
	MembershipID string `json:"membershipId"`
	OfferID      string `json:"offerId"`
	BusinessID   string `json:"businessId"`
	PetID        string `json:"petId,omitempty"`
}

// RedemptionResponse is returned after committing a redemption.
type RedemptionResponse struct {
	ID string `json:"id"`
}

// CreateRedemption handles POST /v1/redemptions.
// Supports retry protection via the Idempotency-Key header; the database
// unique index is the backstop for one-time offers.
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "Malformed JSON body")
		return
	}

	if req.MembershipID == "" || req.OfferID == "" || req.BusinessID == "" {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "membershipId, offerId and businessId are required")
		return
	}

	membershipID, err := uuid.Parse(req.MembershipID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "membershipId must be a valid UUID")
		return
	}
	offerID, err := uuid.Parse(req.OfferID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "offerId must be a valid UUID")
		return
	}
	businessID, err := uuid.Parse(req.BusinessID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "businessId must be a valid UUID")
		return
	}
	var petID *uuid.UUID
	if req.PetID != "" {
		id, err := uuid.Parse(req.PetID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeMissingFields, "petId must be a valid UUID")
			return
		}
		petID = &id
	}

	reservedKey := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.BusinessID, idempotencyKey)
		if err == nil && cached == nil {
			reservedKey = true
		}
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, CodeDuplicate, "A commit with this idempotency key is already in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(RedemptionResponse{ID: cached.RedemptionID})
			return
		}
	}

	red := &store.Redemption{
		ID:           uuid.New(),
		MembershipID: membershipID,
		OfferID:      offerID,
		BusinessID:   businessID,
		PetID:        petID,
		RedeemedAt:   time.Now().UTC(),
	}

	if err := h.repo.CreateRedemption(ctx, red); err != nil {
		// A failed commit releases the idempotency reservation so the
		// terminal's retry is not stuck behind the processing marker.
		h.releaseIdempotency(ctx, reservedKey, req.BusinessID, idempotencyKey)
		if errors.Is(err, store.ErrAlreadyRedeemed) {
			h.writeError(w, http.StatusConflict, CodeAlreadyRedeemed, "This offer was already redeemed by the member")
			return
		}
		h.logger.Error("failed to create redemption",
			zap.Error(err),
			zap.String("membership_id", req.MembershipID),
			zap.String("offer_id", req.OfferID),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	metrics.RecordRedemption()

	h.logger.Info("redemption committed",
		zap.String("id", red.ID.String()),
		zap.String("membership_id", req.MembershipID),
		zap.String("offer_id", req.OfferID),
		zap.String("business_id", req.BusinessID),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			RedemptionID: red.ID.String(),
			StatusCode:   http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.BusinessID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	if h.events != nil {
		_, err := h.events.PublishRedemption(ctx, events.RedemptionEvent{
			RedemptionID: red.ID.String(),
			MembershipID: req.MembershipID,
			OfferID:      req.OfferID,
			BusinessID:   req.BusinessID,
			RedeemedAt:   red.RedeemedAt,
		})
		if err != nil {
			// Analytics only, the redemption row is the record.
			h.logger.Warn("failed to publish redemption event", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(RedemptionResponse{ID: red.ID.String()})
}

// ListNotifications handles GET /v1/notifications?userId=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userIDStr := r.URL.Query().Get("userId")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "userId query parameter is required")
		return
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidUserID, "userId must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.NotificationsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RunExpiryReminders handles POST /v1/jobs/expiry-reminders.
func (h *Handler) RunExpiryReminders(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, "expiry reminders", h.jobs.RunExpiryReminders)
}

// RunBirthdayReminders handles POST /v1/jobs/birthday-reminders.
func (h *Handler) RunBirthdayReminders(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, "birthday reminders", h.jobs.RunBirthdayReminders)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request, name string, run func(context.Context) (*jobs.Summary, error)) {
	summary, err := run(r.Context())
	if err != nil {
		h.logger.Error("job run failed",
			zap.Error(err),
			zap.String("job", name),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// RunAIAlert handles POST /v1/jobs/ai-alerts, the on-demand per-user
// variant. Body: {"userId": "<uuid>"}.
func (h *Handler) RunAIAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "Malformed JSON body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidUserID, "userId must be a valid UUID")
		return
	}

	summary, err := h.jobs.RunAIAlert(ctx, userID)
	if err != nil {
		if errors.Is(err, jobs.ErrAIDisabled) {
			h.writeError(w, http.StatusServiceUnavailable, CodeAIDisabled, "AI features are not enabled")
			return
		}
		h.logger.Error("ai alert job failed",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// ChatRequest is the body of POST /v1/ai/chat.
type ChatRequest struct {
	UserID   string           `json:"userId"`
	Messages []ai.ChatMessage `json:"messages"`
}

// ChatResponse carries the assistant reply.
type ChatResponse struct {
	Message string `json:"message"`
}

// Chat handles POST /v1/ai/chat, rate-limited per user through Redis.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.chat == nil {
		h.writeError(w, http.StatusServiceUnavailable, CodeAIDisabled, "AI features are not enabled")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "Malformed JSON body")
		return
	}

	if req.UserID == "" || len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, CodeMissingFields, "userId and messages are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidUserID, "userId must be a valid UUID")
		return
	}

	if h.chatLimiter != nil {
		result, err := h.chatLimiter.Allow(ctx, "chat:"+req.UserID)
		if err != nil {
			// Limiter down degrades to allow; chat is not an abuse surface
			// worth an outage.
			h.logger.Warn("chat rate limit check failed", zap.Error(err))
		} else if !result.Allowed {
			metrics.RecordRateLimitRejection()
			metrics.RecordChatRequest("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
			h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many chat requests, slow down")
			return
		}
	}

	reply, err := h.chat.Chat(ctx, userID, req.Messages)
	if err != nil {
		metrics.RecordChatRequest("error")
		h.logger.Error("chat proxy failed",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	metrics.RecordChatRequest("ok")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ChatResponse{Message: reply})
}

func (h *Handler) releaseIdempotency(ctx context.Context, reserved bool, businessID, key string) {
	if !reserved || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, businessID, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
