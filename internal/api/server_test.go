package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rehouzd/skiptrace/internal/lookup"
	"github.com/rehouzd/skiptrace/internal/model"
)

const (
	testSecret = "test-secret-0123456789abcdef"
	adminToken = "admin-token"
)

type mockLookups struct{ mock.Mock }

func (m *mockLookups) Lookup(ctx context.Context, req lookup.Request) (*lookup.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*lookup.Response)
	return resp, args.Error(1)
}

func (m *mockLookups) History(ctx context.Context, userID string, limit, offset int) ([]model.AccessWithResult, error) {
	args := m.Called(ctx, userID, limit, offset)
	items, _ := args.Get(0).([]model.AccessWithResult)
	return items, args.Error(1)
}

func (m *mockLookups) ClearCache(ctx context.Context, address, owner string) (int, error) {
	args := m.Called(ctx, address, owner)
	return args.Int(0), args.Error(1)
}

func (m *mockLookups) ClearAllCache(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockVotes struct{ mock.Mock }

func (m *mockVotes) Vote(ctx context.Context, userID, value, buyer string, status model.VoteStatus) (*model.VerificationRecord, error) {
	args := m.Called(ctx, userID, value, buyer, status)
	rec, _ := args.Get(0).(*model.VerificationRecord)
	return rec, args.Error(1)
}

func (m *mockVotes) Retract(ctx context.Context, userID, value, buyer string) (*model.VerificationRecord, error) {
	args := m.Called(ctx, userID, value, buyer)
	rec, _ := args.Get(0).(*model.VerificationRecord)
	return rec, args.Error(1)
}

func (m *mockVotes) Stats(ctx context.Context, buyer string, values []string) ([]model.VerificationRecord, error) {
	args := m.Called(ctx, buyer, values)
	recs, _ := args.Get(0).([]model.VerificationRecord)
	return recs, args.Error(1)
}

type mockCredits struct{ mock.Mock }

func (m *mockCredits) Balance(ctx context.Context, userID string) (*model.CreditAccount, error) {
	args := m.Called(ctx, userID)
	acct, _ := args.Get(0).(*model.CreditAccount)
	return acct, args.Error(1)
}

func (m *mockCredits) History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	args := m.Called(ctx, userID, limit, offset)
	txs, _ := args.Get(0).([]model.CreditTransaction)
	return txs, args.Error(1)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	lookups *mockLookups
	votes   *mockVotes
	credits *mockCredits
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{lookups: new(mockLookups), votes: new(mockVotes), credits: new(mockCredits)}
	payments := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	srv := New(h.lookups, h.votes, h.credits, payments, pinger{}, Config{
		JWTSecret:   testSecret,
		AdminToken:  adminToken,
		CORSOrigins: []string{"*"},
	})
	h.handler = srv.Handler()
	t.Cleanup(func() {
		h.lookups.AssertExpectations(t)
		h.votes.AssertExpectations(t)
		h.credits.AssertExpectations(t)
	})
	return h
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := IssueToken([]byte(testSecret), user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, bearerToken string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv := New(nil, nil, nil, nil, pinger{err: errors.New("db down")}, Config{JWTSecret: testSecret})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLookupRequiresToken(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"buyer_id": "b1", "address": "1 Main St"}

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/v1/lookups", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/v1/lookups", "garbage", body).Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/v1/lookups", expired, body).Code)

	other, err := IssueToken([]byte("another-secret-value"), "u1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/v1/lookups", other, body).Code)
}

func TestLookupPassesAuthenticatedUser(t *testing.T) {
	h := newHarness(t)
	want := lookup.Request{
		UserID:    "user-1",
		BuyerID:   "b1",
		BuyerName: "Acme Homes",
		Address:   "1 Main St, Austin TX",
		Owner:     "Jane Doe",
	}
	h.lookups.On("Lookup", mock.Anything, want).Return(&lookup.Response{
		Result:        &model.SharedLookupResult{ID: "r1", Status: model.LookupStatusSuccess, Phones: []string{"5125550100"}},
		CreditCharged: true,
		CreditType:    model.CreditTypeFree,
	}, nil).Once()

	rec := h.do(t, http.MethodPost, "/v1/lookups", token(t, "user-1"), map[string]any{
		"buyer_id":   "b1",
		"buyer_name": "Acme Homes",
		"address":    "1 Main St, Austin TX",
		"owner_name": "Jane Doe",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["credit_charged"])
	assert.Equal(t, "free", out["credit_type"])
}

func TestLookupValidation(t *testing.T) {
	h := newHarness(t)
	tok := token(t, "user-1")

	rec := h.do(t, http.MethodPost, "/v1/lookups", tok, map[string]any{"buyer_id": "b1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "address is required")

	rec = h.do(t, http.MethodPost, "/v1/lookups", tok, `{"buyer_id": "b1", "address": "x", "surprise": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/lookups", tok, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{model.Validationf("address is blank"), http.StatusBadRequest, "validation_error"},
		{eris.Wrap(model.ErrInsufficientCredits, "lookup"), http.StatusPaymentRequired, "insufficient_credits"},
		{eris.Wrap(model.ErrNotFound, "lookup"), http.StatusNotFound, "not_found"},
		{eris.Wrap(model.ErrProviderTimeout, "lookup"), http.StatusGatewayTimeout, "provider_timeout"},
		{eris.Wrap(model.ErrProviderError, "lookup"), http.StatusBadGateway, "provider_error"},
		{eris.Wrap(model.ErrLedgerConflict, "lookup"), http.StatusConflict, "conflict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			h := newHarness(t)
			h.lookups.On("Lookup", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rec := h.do(t, http.MethodPost, "/v1/lookups", token(t, "u"), map[string]any{"buyer_id": "b", "address": "1 Main St"})
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.kind, decodeBody(t, rec)["error"])
		})
	}
}

func TestInternalErrorsHideDetails(t *testing.T) {
	h := newHarness(t)
	h.lookups.On("Lookup", mock.Anything, mock.Anything).Return(nil, errors.New("pq: password authentication failed")).Once()

	rec := h.do(t, http.MethodPost, "/v1/lookups", token(t, "u"), map[string]any{"buyer_id": "b", "address": "1 Main St"})
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	h.lookups.On("History", mock.Anything, "user-1", 10, 20).Return(nil, nil).Once()

	rec := h.do(t, http.MethodGet, "/v1/lookups?limit=10&offset=20", token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeBody(t, rec)["lookups"])

	rec = h.do(t, http.MethodGet, "/v1/lookups?limit=-1", token(t, "user-1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVote(t *testing.T) {
	h := newHarness(t)
	h.votes.On("Vote", mock.Anything, "user-1", "(512) 555-0100", "Acme", model.VoteInvalid).
		Return(&model.VerificationRecord{ContactValue: "5125550100", NetScore: -1, Status: model.RecordInvalid}, nil).Once()

	rec := h.do(t, http.MethodPost, "/v1/verifications", token(t, "user-1"), map[string]any{
		"contact_value": "(512) 555-0100",
		"buyer_name":    "Acme",
		"status":        "invalid",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "invalid", decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/v1/verifications", token(t, "user-1"), map[string]any{
		"contact_value": "x", "buyer_name": "Acme", "status": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "status must be one of")
}

func TestRetractVote(t *testing.T) {
	h := newHarness(t)
	h.votes.On("Retract", mock.Anything, "user-1", "a@b.co", "Acme").
		Return(&model.VerificationRecord{ContactValue: "a@b.co", Status: model.RecordUnverified}, nil).Once()

	rec := h.do(t, http.MethodDelete, "/v1/verifications", token(t, "user-1"), map[string]any{
		"contact_value": "a@b.co", "buyer_name": "Acme",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	values := []string{"a@b.co", "5125550100"}
	h.votes.On("Stats", mock.Anything, "Acme", values).Return([]model.VerificationRecord{
		{ContactValue: "a@b.co", Status: model.RecordVerified, NetScore: 2},
		{ContactValue: "5125550100", Status: model.RecordUnverified},
	}, nil).Once()

	rec := h.do(t, http.MethodPost, "/v1/verifications/stats", token(t, "u"), map[string]any{
		"buyer_name": "Acme", "contact_values": values,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["records"], 2)

	rec = h.do(t, http.MethodPost, "/v1/verifications/stats", token(t, "u"), map[string]any{
		"buyer_name": "Acme", "contact_values": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredits(t *testing.T) {
	h := newHarness(t)
	h.credits.On("Balance", mock.Anything, "user-1").Return(&model.CreditAccount{UserID: "user-1", FreeRemaining: 3, PaidRemaining: 7}, nil).Once()
	h.credits.On("History", mock.Anything, "user-1", 0, 0).Return([]model.CreditTransaction{
		{ID: "t1", UserID: "user-1", PaidDelta: 7, Type: model.TransactionPurchased},
	}, nil).Once()

	rec := h.do(t, http.MethodGet, "/v1/credits", token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, float64(10), out["total"])
	assert.Len(t, out["transactions"], 1)
}

func TestClearCacheNeedsAdmin(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodDelete, "/v1/cache?all=true", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodDelete, "/v1/cache?all=true", token(t, "user-1"), nil).Code)

	h.lookups.On("ClearAllCache", mock.Anything).Return(12, nil).Once()
	rec := h.do(t, http.MethodDelete, "/v1/cache?all=true", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(12), decodeBody(t, rec)["deleted"])

	h.lookups.On("ClearCache", mock.Anything, "1 Main St", "Jane").Return(1, nil).Once()
	rec = h.do(t, http.MethodDelete, "/v1/cache?address=1+Main+St&owner=Jane", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/cache", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv := New(new(mockLookups), nil, nil, nil, nil, Config{JWTSecret: testSecret})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/cache?all=true", nil)
	req.Header.Set("Authorization", "Bearer ")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookRouteIsPublic(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/webhooks/stripe", "", `{}`)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestIssueTokenRejectsEmptySecret(t *testing.T) {
	_, err := IssueToken(nil, "u", time.Hour)
	assert.Error(t, err)
}

func TestRejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = parseToken([]byte(testSecret), tok)
	assert.Error(t, err)
}
