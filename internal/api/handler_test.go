package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/ai"
	"github.com/wooffyapp/wooffy/internal/jobs"
	"github.com/wooffyapp/wooffy/internal/redis"
	"github.com/wooffyapp/wooffy/internal/store"
	"github.com/wooffyapp/wooffy/internal/verify"
)

var errDatabase = errors.New("database error")

// mockVerifier returns a canned verification result or error.
type mockVerifier struct {
	result *verify.Result
	err    error

	lastRequest verify.Request
}

func (m *mockVerifier) Verify(ctx context.Context, req verify.Request) (*verify.Result, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockRepo is a fake repository for handler tests.
type mockRepo struct {
	redemptions   []*store.Redemption
	notifications []*store.Notification

	createErr error
	listErr   error
}

func (m *mockRepo) CreateRedemption(ctx context.Context, red *store.Redemption) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.redemptions = append(m.redemptions, red)
	return nil
}

func (m *mockRepo) NotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*store.Notification, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.notifications, nil
}

// mockJobs returns canned job summaries.
type mockJobs struct {
	summary *jobs.Summary
	err     error

	aiUserID uuid.UUID
}

func (m *mockJobs) RunExpiryReminders(ctx context.Context) (*jobs.Summary, error) {
	return m.summary, m.err
}

func (m *mockJobs) RunBirthdayReminders(ctx context.Context) (*jobs.Summary, error) {
	return m.summary, m.err
}

func (m *mockJobs) RunAIAlert(ctx context.Context, userID uuid.UUID) (*jobs.Summary, error) {
	m.aiUserID = userID
	return m.summary, m.err
}

// mockChatter returns a canned chat reply.
type mockChatter struct {
	reply string
	err   error
}

func (m *mockChatter) Chat(ctx context.Context, userID uuid.UUID, conversation []ai.ChatMessage) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func newTestHandler(v *mockVerifier, repo *mockRepo, j *mockJobs) *Handler {
	return NewHandler(zap.NewNop(), v, repo, j)
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestVerifyHandlerValid(t *testing.T) {
	v := &mockVerifier{result: &verify.Result{
		Status:     verify.StatusValid,
		MemberName: "Dana Whitfield",
		PetName:    "Biscuit",
	}}
	h := newTestHandler(v, &mockRepo{}, &mockJobs{})

	offerID := uuid.New()
	businessID := uuid.New()
	w := postJSON(t, h.Verify, "/v1/verify", VerifyRequest{
		MemberID:   "WF-1234",
		OfferID:    offerID.String(),
		BusinessID: businessID.String(),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result verify.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != verify.StatusValid {
		t.Errorf("expected status valid, got %q", result.Status)
	}
	if v.lastRequest.MemberCode != "WF-1234" {
		t.Errorf("expected member code forwarded, got %q", v.lastRequest.MemberCode)
	}
	if v.lastRequest.OfferID != offerID || v.lastRequest.BusinessID != businessID {
		t.Errorf("expected ids forwarded to verifier")
	}
}

func TestVerifyHandlerBusinessOutcomesAre200(t *testing.T) {
	attempts := 4
	statuses := []*verify.Result{
		{Status: verify.StatusInvalid, AttemptsRemaining: &attempts},
		{Status: verify.StatusExpired, MemberName: "Dana"},
		{Status: verify.StatusAlreadyRedeemed, MemberName: "Dana"},
		{Status: verify.StatusOfferUnavailable, MemberName: "Dana"},
	}

	for _, result := range statuses {
		t.Run(result.Status, func(t *testing.T) {
			v := &mockVerifier{result: result}
			h := newTestHandler(v, &mockRepo{}, &mockJobs{})

			w := postJSON(t, h.Verify, "/v1/verify", VerifyRequest{
				MemberID:   "WF-1234",
				OfferID:    uuid.New().String(),
				BusinessID: uuid.New().String(),
			})

			if w.Code != http.StatusOK {
				t.Fatalf("business outcome %q must be 200, got %d", result.Status, w.Code)
			}
		})
	}
}

func TestVerifyHandlerMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body VerifyRequest
	}{
		{"no member id", VerifyRequest{OfferID: uuid.New().String(), BusinessID: uuid.New().String()}},
		{"no offer id", VerifyRequest{MemberID: "WF-1234", BusinessID: uuid.New().String()}},
		{"no business id", VerifyRequest{MemberID: "WF-1234", OfferID: uuid.New().String()}},
		{"malformed offer id", VerifyRequest{MemberID: "WF-1234", OfferID: "nope", BusinessID: uuid.New().String()}},
		{"malformed business id", VerifyRequest{MemberID: "WF-1234", OfferID: uuid.New().String(), BusinessID: "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{})
			w := postJSON(t, h.Verify, "/v1/verify", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if resp := decodeError(t, w); resp.Code != CodeMissingFields {
				t.Errorf("expected code %s, got %s", CodeMissingFields, resp.Code)
			}
		})
	}
}

func TestVerifyHandlerRateLimited(t *testing.T) {
	expiresAt := time.Now().Add(20 * time.Minute).UTC()
	v := &mockVerifier{err: &verify.RateLimitedError{ExpiresAt: expiresAt}}
	h := newTestHandler(v, &mockRepo{}, &mockJobs{})

	w := postJSON(t, h.Verify, "/v1/verify", VerifyRequest{
		MemberID:   "WF-1234",
		OfferID:    uuid.New().String(),
		BusinessID: uuid.New().String(),
	})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	resp := decodeError(t, w)
	if resp.Code != CodeRateLimited {
		t.Errorf("expected code %s, got %s", CodeRateLimited, resp.Code)
	}
	if resp.LockoutExpiresAt != expiresAt.Format(time.RFC3339) {
		t.Errorf("expected lockout expiry %s, got %s", expiresAt.Format(time.RFC3339), resp.LockoutExpiresAt)
	}
	if resp.RemainingMinutes < 19 || resp.RemainingMinutes > 20 {
		t.Errorf("expected roughly 20 remaining minutes, got %d", resp.RemainingMinutes)
	}
}

func TestVerifyHandlerStoreFailure(t *testing.T) {
	v := &mockVerifier{err: errDatabase}
	h := newTestHandler(v, &mockRepo{}, &mockJobs{})

	w := postJSON(t, h.Verify, "/v1/verify", VerifyRequest{
		MemberID:   "WF-1234",
		OfferID:    uuid.New().String(),
		BusinessID: uuid.New().String(),
	})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeInternalError {
		t.Errorf("expected code %s, got %s", CodeInternalError, resp.Code)
	}
}

func TestCreateRedemption(t *testing.T) {
	repo := &mockRepo{}
	h := newTestHandler(&mockVerifier{}, repo, &mockJobs{})

	w := postJSON(t, h.CreateRedemption, "/v1/redemptions", RedemptionRequest{
		MembershipID: uuid.New().String(),
		OfferID:      uuid.New().String(),
		BusinessID:   uuid.New().String(),
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp RedemptionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(repo.redemptions) != 1 {
		t.Fatalf("expected one redemption persisted, got %d", len(repo.redemptions))
	}
	if resp.ID != repo.redemptions[0].ID.String() {
		t.Errorf("response id must match the persisted row")
	}
}

func TestCreateRedemptionConflict(t *testing.T) {
	repo := &mockRepo{createErr: store.ErrAlreadyRedeemed}
	h := newTestHandler(&mockVerifier{}, repo, &mockJobs{})

	w := postJSON(t, h.CreateRedemption, "/v1/redemptions", RedemptionRequest{
		MembershipID: uuid.New().String(),
		OfferID:      uuid.New().String(),
		BusinessID:   uuid.New().String(),
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeAlreadyRedeemed {
		t.Errorf("expected code %s, got %s", CodeAlreadyRedeemed, resp.Code)
	}
}

func setupTestIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewIdempotencyService(client, zap.NewNop())
}

func postRedemption(t *testing.T, h *Handler, key string, body RedemptionRequest) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/redemptions", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	w := httptest.NewRecorder()
	h.CreateRedemption(w, req)
	return w
}

func TestCreateRedemptionIdempotencyReplay(t *testing.T) {
	repo := &mockRepo{}
	h := newTestHandler(&mockVerifier{}, repo, &mockJobs{}).
		WithIdempotency(setupTestIdempotency(t))

	body := RedemptionRequest{
		MembershipID: uuid.New().String(),
		OfferID:      uuid.New().String(),
		BusinessID:   uuid.New().String(),
	}

	first := postRedemption(t, h, "commit-1", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := postRedemption(t, h, "commit-1", body)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay marker header")
	}
	if len(repo.redemptions) != 1 {
		t.Fatalf("retry must not create a second row, got %d", len(repo.redemptions))
	}

	var firstResp, secondResp RedemptionResponse
	_ = json.NewDecoder(first.Body).Decode(&firstResp)
	_ = json.NewDecoder(second.Body).Decode(&secondResp)
	if firstResp.ID != secondResp.ID {
		t.Errorf("replay must return the original redemption id")
	}
}

func TestCreateRedemptionRetryAfterFailedCommit(t *testing.T) {
	repo := &mockRepo{createErr: errDatabase}
	h := newTestHandler(&mockVerifier{}, repo, &mockJobs{}).
		WithIdempotency(setupTestIdempotency(t))

	body := RedemptionRequest{
		MembershipID: uuid.New().String(),
		OfferID:      uuid.New().String(),
		BusinessID:   uuid.New().String(),
	}

	first := postRedemption(t, h, "commit-1", body)
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on failed commit, got %d", first.Code)
	}

	// The database recovers; the terminal retries with the same key and
	// must not be blocked by a stale processing marker.
	repo.createErr = nil
	second := postRedemption(t, h, "commit-1", body)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected 201 on retry, got %d: %s", second.Code, second.Body.String())
	}
	if len(repo.redemptions) != 1 {
		t.Fatalf("expected exactly one redemption, got %d", len(repo.redemptions))
	}
}

func TestCreateRedemptionMissingFields(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{})

	w := postJSON(t, h.CreateRedemption, "/v1/redemptions", RedemptionRequest{
		MembershipID: uuid.New().String(),
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListNotifications(t *testing.T) {
	repo := &mockRepo{notifications: []*store.Notification{
		{ID: uuid.New(), Type: store.NotificationExpiry3Days, Title: "Your Wooffy membership expires in a few days"},
	}}
	h := newTestHandler(&mockVerifier{}, repo, &mockJobs{})

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?userId="+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	h.ListNotifications(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Data  []*store.Notification `json:"data"`
		Count int                   `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Data) != 1 {
		t.Fatalf("expected one notification, got %+v", resp)
	}
}

func TestListNotificationsRequiresUserID(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{})

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	w := httptest.NewRecorder()
	h.ListNotifications(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	j := &mockJobs{summary: &jobs.Summary{Message: "done", NotificationsSent: 2, EmailsSent: 2}}
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, j)

	endpoints := map[string]http.HandlerFunc{
		"/v1/jobs/expiry-reminders":   h.RunExpiryReminders,
		"/v1/jobs/birthday-reminders": h.RunBirthdayReminders,
	}

	for path, handler := range endpoints {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}

			var summary jobs.Summary
			if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
				t.Fatalf("decode summary: %v", err)
			}
			if summary.NotificationsSent != 2 {
				t.Errorf("expected summary passthrough, got %+v", summary)
			}
		})
	}
}

func TestRunAIAlertHandler(t *testing.T) {
	j := &mockJobs{summary: &jobs.Summary{Message: "care alert created", NotificationsSent: 1}}
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, j)

	userID := uuid.New()
	w := postJSON(t, h.RunAIAlert, "/v1/jobs/ai-alerts", map[string]string{"userId": userID.String()})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if j.aiUserID != userID {
		t.Errorf("expected user id forwarded to the job")
	}
}

func TestRunAIAlertHandlerInvalidUserID(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{})

	w := postJSON(t, h.RunAIAlert, "/v1/jobs/ai-alerts", map[string]string{"userId": "not-a-uuid"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeInvalidUserID {
		t.Errorf("expected code %s, got %s", CodeInvalidUserID, resp.Code)
	}
}

func TestRunAIAlertHandlerDisabled(t *testing.T) {
	j := &mockJobs{err: jobs.ErrAIDisabled}
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, j)

	w := postJSON(t, h.RunAIAlert, "/v1/jobs/ai-alerts", map[string]string{"userId": uuid.New().String()})

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestChatHandler(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{}).
		WithChat(&mockChatter{reply: "Corgis love short walks."}, nil)

	w := postJSON(t, h.Chat, "/v1/ai/chat", ChatRequest{
		UserID:   uuid.New().String(),
		Messages: []ai.ChatMessage{{Role: "user", Content: "How often should I walk my corgi?"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ChatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "Corgis love short walks." {
		t.Errorf("unexpected reply: %q", resp.Message)
	}
}

func TestChatHandlerDisabled(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{})

	w := postJSON(t, h.Chat, "/v1/ai/chat", ChatRequest{
		UserID:   uuid.New().String(),
		Messages: []ai.ChatMessage{{Role: "user", Content: "hi"}},
	})

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeAIDisabled {
		t.Errorf("expected code %s, got %s", CodeAIDisabled, resp.Code)
	}
}

func TestChatHandlerMissingMessages(t *testing.T) {
	h := newTestHandler(&mockVerifier{}, &mockRepo{}, &mockJobs{}).
		WithChat(&mockChatter{reply: "hi"}, nil)

	w := postJSON(t, h.Chat, "/v1/ai/chat", ChatRequest{UserID: uuid.New().String()})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
