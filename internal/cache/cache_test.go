package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, store.Store, *clock) {
	t.Helper()
	s := newTestStore(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return New(s, opts...), s, clk
}

var testKey = model.ContactLookupKey{Address: "742 evergreen ter springfield il", Owner: "homer simpson"}

func success(phones ...string) *model.SharedLookupResult {
	return &model.SharedLookupResult{
		Key:    testKey,
		Status: model.LookupStatusSuccess,
		Phones: phones,
		Emails: []string{"homer@example.com"},
	}
}

func failed() *model.SharedLookupResult {
	return &model.SharedLookupResult{
		Key:          testKey,
		Status:       model.LookupStatusError,
		ErrorCode:    "provider_timeout",
		ErrorMessage: "deadline exceeded",
	}
}

func TestLookupMiss(t *testing.T) {
	c, _, _ := newTestCache(t)
	r, err := c.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestStoreInsertThenLookup(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()

	got, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalLookupCount)
	assert.Equal(t, clk.now(), got.LastRefreshedAt)

	r, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, got.ID, r.ID)
	assert.Equal(t, []string{"2175550100"}, r.Phones)
}

func TestStoreLosesInsertRace(t *testing.T) {
	c, s, _ := newTestCache(t)
	ctx := context.Background()

	winner := success("2175550199")
	require.NoError(t, s.InsertLookupResult(ctx, winner))

	got, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, []string{"2175550199"}, got.Phones)
}

func TestStoreSuccessReplacesFailedWinner(t *testing.T) {
	c, s, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLookupResult(ctx, failed()))

	got, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	assert.True(t, got.Succeeded())

	r, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, model.LookupStatusSuccess, r.Status)
}

func TestStoreConcurrentInsertsKeepOneRow(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Store(ctx, success("2175550100"), nil)
			if assert.NoError(t, err) {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestRefreshResetsCount(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()

	first, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Touch(ctx, first))
	require.NoError(t, c.Touch(ctx, first))
	assert.Equal(t, 3, first.TotalLookupCount)

	clk.advance(91 * 24 * time.Hour)
	prev, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, c.IsFresh(prev, clk.now()))

	refreshed, err := c.Store(ctx, success("2175550111"), prev)
	require.NoError(t, err)
	assert.Equal(t, first.ID, refreshed.ID)
	assert.Equal(t, 1, refreshed.TotalLookupCount)
	assert.Equal(t, clk.now(), refreshed.LastRefreshedAt)
	assert.True(t, c.IsFresh(refreshed, clk.now()))
}

func TestRefreshLostCASReturnsCurrent(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()

	_, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	stale, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)

	clk.advance(time.Hour)
	_, err = c.Store(ctx, success("2175550122"), stale)
	require.NoError(t, err)

	// Second refresher still holds the old version.
	got, err := c.Store(ctx, success("2175550133"), stale)
	require.NoError(t, err)
	assert.Equal(t, []string{"2175550122"}, got.Phones)
}

func TestRefreshAfterClearInserts(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	prev, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)

	n, err := c.Clear(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := c.Store(ctx, success("2175550144"), prev)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []string{"2175550144"}, got.Phones)
}

func TestIsFresh(t *testing.T) {
	c := New(nil, WithFreshness(90*24*time.Hour))
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		r    *model.SharedLookupResult
		want bool
	}{
		{"nil", nil, false},
		{"new success", &model.SharedLookupResult{Status: model.LookupStatusSuccess, LastRefreshedAt: now.Add(-time.Hour)}, true},
		{"89 days", &model.SharedLookupResult{Status: model.LookupStatusSuccess, LastRefreshedAt: now.Add(-89 * 24 * time.Hour)}, true},
		{"exactly 90 days", &model.SharedLookupResult{Status: model.LookupStatusSuccess, LastRefreshedAt: now.Add(-90 * 24 * time.Hour)}, false},
		{"91 days", &model.SharedLookupResult{Status: model.LookupStatusSuccess, LastRefreshedAt: now.Add(-91 * 24 * time.Hour)}, false},
		{"recent failure", &model.SharedLookupResult{Status: model.LookupStatusFailed, LastRefreshedAt: now}, false},
		{"recent no data", &model.SharedLookupResult{Status: model.LookupStatusNoData, LastRefreshedAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsFresh(tt.r, now))
		})
	}
}

func TestInCooldown(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	r := &model.SharedLookupResult{Status: model.LookupStatusError, LastRefreshedAt: now.Add(-5 * time.Minute)}

	assert.False(t, New(nil).InCooldown(r, now), "disabled by default")

	c := New(nil, WithFailureCooldown(15*time.Minute))
	assert.True(t, c.InCooldown(r, now))
	assert.False(t, c.InCooldown(r, now.Add(11*time.Minute)))
	assert.False(t, c.InCooldown(&model.SharedLookupResult{Status: model.LookupStatusSuccess, LastRefreshedAt: now}, now))
	assert.False(t, c.InCooldown(nil, now))
}

func TestClearAll(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Store(ctx, success("2175550100"), nil)
	require.NoError(t, err)
	other := success("3125550100")
	other.Key = model.ContactLookupKey{Address: "1 main st chicago il"}
	_, err = c.Store(ctx, other, nil)
	require.NoError(t, err)

	n, err := c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := c.Lookup(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestTouchMissingRow(t *testing.T) {
	c, _, _ := newTestCache(t)
	err := c.Touch(context.Background(), &model.SharedLookupResult{ID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
