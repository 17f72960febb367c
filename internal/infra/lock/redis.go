package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRetryInterval = 50 * time.Millisecond

// unlockScript deletes the key only if it still holds our token, so a lock
// that expired and was re-acquired by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX token lock.
type Redis struct {
	client *redis.Client
	prefix string
	retry  time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis lock with keys namespaced by prefix.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, retry: defaultRetryInterval, logger: logger}
}

// Lock polls until the key is acquired or ctx is done. The lock auto-expires after ttl.
func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	return func() {
		// the caller's ctx may already be cancelled; release on a fresh one
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil && err != redis.Nil {
			r.logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
