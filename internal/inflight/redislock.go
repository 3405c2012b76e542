package inflight

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Lock is a cluster-wide mutual exclusion on a key name. Acquire returns
// ok=false without error when another holder owns the name.
type Lock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisClient is the subset of the redis client the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the lock only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLock implements Lock with SET NX PX and a token-checked delete.
type RedisLock struct {
	client RedisClient
	prefix string
}

// NewRedisLock creates a lock whose keys are prefixed with prefix.
func NewRedisLock(client RedisClient, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "skiptrace:inflight:"
	}
	return &RedisLock{client: client, prefix: prefix}
}

// NewRedisClient connects to a redis server.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire takes the lock for name with a ttl so a crashed holder cannot
// block the key forever.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, eris.Wrapf(err, "inflight: redis lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The caller's context may be done; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
			zap.L().Warn("inflight: release redis lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}
