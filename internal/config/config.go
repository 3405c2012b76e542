package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Lookup   LookupConfig   `yaml:"lookup" mapstructure:"lookup"`
	Ledger   LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	Stripe   StripeConfig   `yaml:"stripe" mapstructure:"stripe"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Temporal TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
	Grant    GrantConfig    `yaml:"grant" mapstructure:"grant"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	JWTSecret   string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AdminToken  string   `yaml:"admin_token" mapstructure:"admin_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Format      string `yaml:"format" mapstructure:"format"`
	SentryDSN   string `yaml:"sentry_dsn" mapstructure:"sentry_dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// ProviderConfig configures the contact-data provider client.
type ProviderConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey              string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond       float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	RetryAttempts       int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs      int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// Timeout is the per-call provider deadline.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// TaskTimeout bounds one in-flight provider task: every attempt plus the
// longest backoff between attempts.
func (c ProviderConfig) TaskTimeout() time.Duration {
	attempts := max(1, c.RetryAttempts)
	maxBackoff := 10 * time.Duration(c.RetryBackoffMs) * time.Millisecond
	return c.Timeout()*time.Duration(attempts) + maxBackoff*time.Duration(attempts-1)
}

// LookupConfig configures caching and in-flight coordination.
type LookupConfig struct {
	FreshnessDays           int `yaml:"freshness_days" mapstructure:"freshness_days"`
	FailureCooldownMinutes  int `yaml:"failure_cooldown_minutes" mapstructure:"failure_cooldown_minutes"`
	InflightWaitSecs        int `yaml:"inflight_wait_secs" mapstructure:"inflight_wait_secs"`
	FollowerRetryAttempts   int `yaml:"follower_retry_attempts" mapstructure:"follower_retry_attempts"`
	FollowerBackoffMs       int `yaml:"follower_backoff_ms" mapstructure:"follower_backoff_ms"`
	MaxConcurrentBatchItems int `yaml:"max_concurrent_batch_items" mapstructure:"max_concurrent_batch_items"`
}

// Freshness is the age after which a successful result is refreshed.
func (c LookupConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessDays) * 24 * time.Hour
}

// FailureCooldown is how long failed results suppress provider retries.
func (c LookupConfig) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownMinutes) * time.Minute
}

// InflightWait bounds how long a follower waits for a leader.
func (c LookupConfig) InflightWait() time.Duration {
	return time.Duration(c.InflightWaitSecs) * time.Second
}

// StoreTimeout bounds saving a provider result once the call returns.
func (LookupConfig) StoreTimeout() time.Duration {
	return 5 * time.Second
}

// LedgerConfig configures the credit ledger.
type LedgerConfig struct {
	ConflictRetryAttempts int `yaml:"conflict_retry_attempts" mapstructure:"conflict_retry_attempts"`
	InitialFreeCredits    int `yaml:"initial_free_credits" mapstructure:"initial_free_credits"`
}

// StripeConfig configures the payment webhook.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	CreditsKey    string `yaml:"credits_metadata_key" mapstructure:"credits_metadata_key"`
	UserKey       string `yaml:"user_metadata_key" mapstructure:"user_metadata_key"`
}

// RedisConfig configures the optional cluster-wide in-flight lock.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// TemporalConfig configures the credit grant worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	GrantCron string `yaml:"grant_cron" mapstructure:"grant_cron"`
}

// GrantConfig configures subscription credit grants.
type GrantConfig struct {
	PlansFile   string `yaml:"plans_file" mapstructure:"plans_file"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads configuration from config.yaml in the working directory (if
// present) and SKIPTRACE_ environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SKIPTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// AutomaticEnv only resolves keys viper already knows, so every key an
	// operator may set through the environment has a default here.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.sentry_dsn", "")
	v.SetDefault("log.environment", "development")

	v.SetDefault("provider.base_url", "https://api.skiptrace.example.com/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout_secs", 20)
	v.SetDefault("provider.rate_per_second", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.retry_attempts", 2)
	v.SetDefault("provider.retry_backoff_ms", 250)
	v.SetDefault("provider.breaker_threshold", 5)
	v.SetDefault("provider.breaker_cooldown_secs", 30)

	v.SetDefault("lookup.freshness_days", 90)
	v.SetDefault("lookup.failure_cooldown_minutes", 0)
	v.SetDefault("lookup.inflight_wait_secs", 60)
	v.SetDefault("lookup.follower_retry_attempts", 3)
	v.SetDefault("lookup.follower_backoff_ms", 100)
	v.SetDefault("lookup.max_concurrent_batch_items", 4)

	v.SetDefault("ledger.conflict_retry_attempts", 5)
	v.SetDefault("ledger.initial_free_credits", 0)

	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.credits_metadata_key", "credits")
	v.SetDefault("stripe.user_metadata_key", "user_id")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_secs", 60)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "skiptrace-credit-grants")
	v.SetDefault("temporal.grant_cron", "0 6 1 * *")

	v.SetDefault("grant.plans_file", "")
	v.SetDefault("grant.concurrency", 8)
}
