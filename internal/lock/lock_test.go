package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestTryLockUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedis(client, "content-api:retention", 0)
	assert.Equal(t, time.Hour, l.TTL)

	unlock, ok, err := l.TryLock(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, unlock)
}
