// Package cache is the shared lookup result cache. One row exists per
// normalized address and owner; the store's uniqueness constraint decides
// which concurrent writer wins.
package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/store"
)

// DefaultFreshness is how long a successful result is served without a
// provider refresh.
const DefaultFreshness = 90 * 24 * time.Hour

// Cache reads and writes shared lookup results.
type Cache struct {
	store     store.LookupStore
	freshness time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithFreshness sets the age at which a successful result goes stale.
func WithFreshness(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// WithFailureCooldown suppresses provider retries for failed results younger
// than d. Zero disables the cooldown.
func WithFailureCooldown(d time.Duration) Option {
	return func(c *Cache) { c.cooldown = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over s.
func New(s store.LookupStore, opts ...Option) *Cache {
	c := &Cache{
		store:     s,
		freshness: DefaultFreshness,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Now returns the cache clock.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Freshness returns the configured freshness threshold.
func (c *Cache) Freshness() time.Duration {
	return c.freshness
}

// Lookup returns the result for key, or nil when none is stored.
func (c *Cache) Lookup(ctx context.Context, key model.ContactLookupKey) (*model.SharedLookupResult, error) {
	r, err := c.store.GetLookupResult(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: lookup")
	}
	return r, nil
}

// IsFresh reports whether r can be served without a refresh. Only successful
// results are ever fresh.
func (c *Cache) IsFresh(r *model.SharedLookupResult, now time.Time) bool {
	return r.Succeeded() && now.Sub(r.LastRefreshedAt) < c.freshness
}

// InCooldown reports whether r is a recent failure that should be served
// as-is instead of calling the provider again.
func (c *Cache) InCooldown(r *model.SharedLookupResult, now time.Time) bool {
	return r != nil && !r.Succeeded() && c.cooldown > 0 && now.Sub(r.LastRefreshedAt) < c.cooldown
}

// Store persists a provider response for r.Key and returns the row that is
// now authoritative, which may be another writer's. previous is the row the
// caller saw before calling the provider, nil on a miss.
//
// A failed refresh of a successful row is not written: users who paid for
// that row keep its contact data. The failure is returned unsaved, carrying
// the kept row's id.
func (c *Cache) Store(ctx context.Context, r, previous *model.SharedLookupResult) (*model.SharedLookupResult, error) {
	now := c.now()
	r.LastRefreshedAt = now
	r.TotalLookupCount = 1

	if previous != nil && previous.Succeeded() && !r.Succeeded() {
		zap.L().Warn("cache: refresh failed, keeping stale result",
			zap.String("key", r.Key.String()),
			zap.String("status", string(r.Status)),
			zap.String("error_code", r.ErrorCode),
		)
		r.ID = previous.ID
		r.Version = previous.Version
		r.CreatedAt = previous.CreatedAt
		return r, nil
	}
	if previous != nil {
		return c.refresh(ctx, r, previous.Version)
	}
	return c.insert(ctx, r)
}

func (c *Cache) insert(ctx context.Context, r *model.SharedLookupResult) (*model.SharedLookupResult, error) {
	r.CreatedAt = r.LastRefreshedAt
	err := c.store.InsertLookupResult(ctx, r)
	if err == nil {
		return r, nil
	}
	if !eris.Is(err, store.ErrUniqueViolation) {
		return nil, eris.Wrap(err, "cache: insert")
	}

	winner, err := c.store.GetLookupResult(ctx, r.Key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: read winner")
	}
	if winner == nil {
		// Cleared between our insert and the re-read.
		r.ID = ""
		if err := c.store.InsertLookupResult(ctx, r); err != nil {
			return nil, eris.Wrap(err, "cache: insert after clear")
		}
		return r, nil
	}

	// A failed row never shadows data we actually obtained.
	if !winner.Succeeded() && r.Succeeded() {
		return c.refresh(ctx, r, winner.Version)
	}
	zap.L().Debug("cache: lost insert race",
		zap.String("key", r.Key.String()),
		zap.String("winner", winner.ID),
	)
	return winner, nil
}

func (c *Cache) refresh(ctx context.Context, r *model.SharedLookupResult, version int) (*model.SharedLookupResult, error) {
	ok, err := c.store.ReplaceLookupResult(ctx, r, version)
	if err != nil {
		return nil, eris.Wrap(err, "cache: refresh")
	}
	if ok {
		return r, nil
	}

	current, err := c.store.GetLookupResult(ctx, r.Key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: read refreshed row")
	}
	if current == nil {
		r.ID = ""
		return c.insert(ctx, r)
	}
	if !current.Succeeded() && r.Succeeded() {
		// One more attempt against the version we just read; a second loss
		// means a successful writer is active and its row stands.
		if ok, err := c.store.ReplaceLookupResult(ctx, r, current.Version); err != nil {
			return nil, eris.Wrap(err, "cache: refresh")
		} else if ok {
			return r, nil
		}
		return c.store.GetLookupResult(ctx, r.Key)
	}
	return current, nil
}

// Touch records a logical reuse of r.
func (c *Cache) Touch(ctx context.Context, r *model.SharedLookupResult) error {
	n, err := c.store.IncrementLookupCount(ctx, r.ID)
	if err != nil {
		return eris.Wrap(err, "cache: touch")
	}
	r.TotalLookupCount = n
	return nil
}

// Clear removes the result for key. It returns the number of rows removed.
func (c *Cache) Clear(ctx context.Context, key model.ContactLookupKey) (int, error) {
	n, err := c.store.DeleteLookupResult(ctx, key)
	if err != nil {
		return 0, eris.Wrap(err, "cache: clear")
	}
	zap.L().Info("cache: cleared key", zap.String("key", key.String()), zap.Int("rows", n))
	return n, nil
}

// ClearAll removes every cached result. User access history is kept.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	n, err := c.store.DeleteAllLookupResults(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: clear all")
	}
	zap.L().Info("cache: cleared all results", zap.Int("rows", n))
	return n, nil
}
