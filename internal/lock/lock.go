// Package lock provides a redis backed mutex so only one instance runs a
// given job at a time
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Only the holder of the token may release the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	Client redis.UniversalClient
	Key    string
	// TTL bounds how long a crashed holder keeps the lock
	TTL time.Duration
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Redis{Client: client, Key: key, TTL: ttl}
}

// TryLock takes the lock without waiting. unlock is only valid when ok is
// true.
func (r *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	token, err := gonanoid.New()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate lock token, %w", err)
	}

	ok, err := r.Client.SetNX(ctx, r.Key, token, r.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s, %w", r.Key, err)
	}

	if !ok {
		zap.L().Debug("Lock is held elsewhere", zap.String("key", r.Key))
		return func() {}, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := unlockScript.Run(ctx, r.Client, []string{r.Key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			zap.L().Error("Failed to release lock", zap.String("key", r.Key), zap.Error(err))
		}
	}

	return unlock, true, nil
}
