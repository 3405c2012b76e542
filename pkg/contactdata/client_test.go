package contactdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestClient(url string, opts ...Option) Provider {
	opts = append([]Option{WithBaseURL(url), WithRetry(fastRetry()), WithRateLimit(0, 0)}, opts...)
	return NewClient("test-key", opts...)
}

func TestLookup_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/lookup", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "123 Main St, Austin TX", req.Address)
		assert.Equal(t, "Jane Doe", req.OwnerName)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{ //nolint:errcheck
			Status:         StatusSuccess,
			Phones:         []string{"5125550100"},
			OwnerNames:     []string{"Jane Doe"},
			Confidence:     0.91,
			CostCents:      15,
			ResponseTimeMs: 120,
		})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Lookup(context.Background(), "123 Main St, Austin TX", "Jane Doe")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, []string{"5125550100"}, got.Phones)
	assert.Equal(t, int64(15), got.CostCents)
	assert.Equal(t, int64(120), got.ResponseTimeMs)
}

func TestLookup_NotFoundIsNoData(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Lookup(context.Background(), "1 Nowhere Rd", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, got.Status)
	assert.Empty(t, got.Phones)
}

func TestLookup_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Status: StatusSuccess, Emails: []string{"a@b.com"}}) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Lookup(context.Background(), "1 Main St", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@b.com"}, got.Emails)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLookup_RetryHookFromOptionKept(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Status: StatusSuccess, Phones: []string{"5125550100"}}) //nolint:errcheck
	}))
	defer srv.Close()

	var retries atomic.Int32
	retry := fastRetry()
	retry.OnRetry = func(int, error, time.Duration) { retries.Add(1) }

	_, err := newTestClient(srv.URL, WithRetry(retry)).Lookup(context.Background(), "1 Main St", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), retries.Load())
}

func TestLookup_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"address required"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Lookup(context.Background(), "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrProviderError)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookup_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Lookup(context.Background(), "1 Main St", "")
	assert.ErrorIs(t, err, model.ErrProviderError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLookup_MalformedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Lookup(context.Background(), "1 Main St", "")
	assert.ErrorIs(t, err, model.ErrProviderError)
	assert.Contains(t, err.Error(), "malformed")
}

func TestLookup_ProviderErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"upstream bureau down"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Lookup(context.Background(), "1 Main St", "")
	assert.ErrorIs(t, err, model.ErrProviderError)
	assert.Contains(t, err.Error(), "upstream bureau down")
}

func TestLookup_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Lookup(ctx, "1 Main St", "")
	assert.ErrorIs(t, err, model.ErrProviderTimeout)
}

func TestLookup_CircuitOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL,
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
		WithCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}),
	)
	for i := 0; i < 2; i++ {
		_, err := client.Lookup(context.Background(), "1 Main St", "")
		require.Error(t, err)
	}

	_, err := client.Lookup(context.Background(), "1 Main St", "")
	assert.ErrorIs(t, err, model.ErrProviderError)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestLookup_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL,
		WithCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}),
	)
	for i := 0; i < 3; i++ {
		_, err := client.Lookup(context.Background(), "1 Main St", "")
		assert.ErrorIs(t, err, model.ErrProviderError)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestLookup_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Lookup(context.Background(), "1 Main St", "")
		require.NoError(t, err)
	}
	// Two waits of 50ms after the initial burst token.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate([]byte("abc"), 5))
	assert.Equal(t, "ab...", truncate([]byte("abcdef"), 2))
}
