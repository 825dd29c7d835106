package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
)

const keyPrefix = "lock:"

// releaseScript deletes the key only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and an owner token
type RedisLocker struct {
	client    *redis.Client
	retryWait time.Duration
	log       zerolog.Logger
}

// NewRedisLocker creates a Redis-backed Locker
func NewRedisLocker(client *redis.Client, log *zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client:    client,
		retryWait: 50 * time.Millisecond,
		log:       logger.Component(log, "lock.redis"),
	}
}

// Acquire polls until the key is set by us, ctx ends, or Redis fails
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrNotAcquired
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(r.retryWait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the request context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				// The key stays held until its TTL expires
				r.log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}, nil
}
