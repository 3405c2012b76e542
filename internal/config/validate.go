package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes: "serve",
// "worker" and "cli" (one-off commands against the store).
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			add("store.database_url must name the sqlite file")
		}
	default:
		add("store.driver must be postgres or sqlite")
	}

	if c.Lookup.FreshnessDays < 1 {
		add("lookup.freshness_days must be >= 1")
	}
	if c.Lookup.InflightWaitSecs < 1 {
		add("lookup.inflight_wait_secs must be >= 1")
	}
	if c.Provider.TimeoutSecs < 1 {
		add("provider.timeout_secs must be >= 1")
	}
	// A waiter that gives up while the leader's task can still finish lets a
	// retry start a second provider call for the same key.
	if c.Lookup.InflightWaitSecs >= 1 && c.Provider.TimeoutSecs >= 1 {
		task := c.Provider.TaskTimeout() + c.Lookup.StoreTimeout()
		if c.Lookup.InflightWait() <= task {
			add(fmt.Sprintf("lookup.inflight_wait_secs must exceed the provider task time of %s", task))
		}
		if c.Redis.Enabled && time.Duration(c.Redis.LockTTLSecs)*time.Second < task {
			add(fmt.Sprintf("redis.lock_ttl_secs must cover the provider task time of %s", task))
		}
	}
	if c.Ledger.ConflictRetryAttempts < 1 || c.Ledger.ConflictRetryAttempts > 20 {
		add("ledger.conflict_retry_attempts must be between 1 and 20")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if c.Server.JWTSecret == "" {
			add("server.jwt_secret is required")
		}
		if c.Provider.APIKey == "" {
			add("provider.api_key is required")
		}
		if c.Redis.Enabled && c.Redis.Addr == "" {
			add("redis.addr is required when redis is enabled")
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			add("temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			add("temporal.task_queue is required")
		}
		if c.Grant.Concurrency < 1 {
			add("grant.concurrency must be >= 1")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
