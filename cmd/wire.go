package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/cache"
	"github.com/rehouzd/skiptrace/internal/config"
	"github.com/rehouzd/skiptrace/internal/inflight"
	"github.com/rehouzd/skiptrace/internal/ledger"
	"github.com/rehouzd/skiptrace/internal/lookup"
	"github.com/rehouzd/skiptrace/internal/payment"
	"github.com/rehouzd/skiptrace/internal/resilience"
	"github.com/rehouzd/skiptrace/internal/store"
	"github.com/rehouzd/skiptrace/internal/verify"
	"github.com/rehouzd/skiptrace/pkg/contactdata"
)

// services is the wired application.
type services struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Lookups  *lookup.Orchestrator
	Votes    *verify.Aggregator
	Payments *payment.Gateway

	closers []func()
}

// Close releases the store and any cluster clients.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "skiptrace.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newProvider(c config.ProviderConfig) contactdata.Provider {
	return contactdata.NewClient(c.APIKey,
		contactdata.WithBaseURL(c.BaseURL),
		contactdata.WithTimeout(c.Timeout()),
		contactdata.WithRateLimit(c.RatePerSecond, c.Burst),
		contactdata.WithRetry(resilience.RetryFromMillis(c.RetryAttempts, c.RetryBackoffMs, 10*c.RetryBackoffMs)),
		contactdata.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: c.BreakerThreshold,
			Cooldown:         time.Duration(c.BreakerCooldownSecs) * time.Second,
		}),
	)
}

// newCoordinator builds the in-flight coordinator. With redis enabled,
// provider calls for a key are also serialized across processes.
func newCoordinator(c *config.Config) (*inflight.Coordinator, func(), error) {
	opts := []inflight.Option{
		inflight.WithWait(c.Lookup.InflightWait()),
		inflight.WithTaskTimeout(c.Provider.TaskTimeout()),
	}
	if !c.Redis.Enabled {
		return inflight.New(opts...), func() {}, nil
	}

	rdb := inflight.NewRedisClient(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, nil, eris.Wrapf(err, "connect redis %s", c.Redis.Addr)
	}
	zap.L().Info("in-flight lock enabled", zap.String("redis", c.Redis.Addr))

	ttl := time.Duration(c.Redis.LockTTLSecs) * time.Second
	opts = append(opts, inflight.WithLock(inflight.NewRedisLock(rdb, ""), ttl))
	return inflight.New(opts...), func() { rdb.Close() }, nil //nolint:errcheck
}

// buildServices wires every component against the configured store.
func buildServices(ctx context.Context, c *config.Config) (*services, error) {
	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	svc := &services{Store: st}
	svc.closers = append(svc.closers, func() { st.Close() }) //nolint:errcheck

	coord, closeCoord, err := newCoordinator(c)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.closers = append(svc.closers, closeCoord)

	resultCache := cache.New(st,
		cache.WithFreshness(c.Lookup.Freshness()),
		cache.WithFailureCooldown(c.Lookup.FailureCooldown()),
	)
	svc.Ledger = ledger.New(st, c.Ledger.ConflictRetryAttempts)
	svc.Lookups = lookup.New(resultCache, st, svc.Ledger, newProvider(c.Provider), coord, lookup.Options{
		FollowerRetries: c.Lookup.FollowerRetryAttempts,
		FollowerBackoff: time.Duration(c.Lookup.FollowerBackoffMs) * time.Millisecond,
		StoreTimeout:    c.Lookup.StoreTimeout(),
	})
	svc.Votes = verify.New(st)
	if c.Stripe.WebhookSecret != "" {
		svc.Payments = payment.NewGateway(svc.Ledger, payment.Config{
			WebhookSecret: c.Stripe.WebhookSecret,
			UserKey:       c.Stripe.UserKey,
			CreditsKey:    c.Stripe.CreditsKey,
		})
	}
	return svc, nil
}
