package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEmitter writes every event to the global logger
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e Event) {
	lvl := zapcore.InfoLevel
	switch e.(type) {
	case ProcessingError, CleanupError:
		lvl = zapcore.WarnLevel
	}

	zap.L().Log(lvl, "Event", zap.String("event", e.EventName()), zap.Any("payload", e))
}

// Envelope is the JSON document published for every event
type Envelope struct {
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Payload Event     `json:"payload"`
}

// RedisEmitter publishes events on a redis pub/sub channel. Publishing is
// best effort, failures are only logged.
type RedisEmitter struct {
	Client  redis.UniversalClient
	Channel string
}

func NewRedisEmitter(client redis.UniversalClient, channel string) *RedisEmitter {
	return &RedisEmitter{Client: client, Channel: channel}
}

func (r *RedisEmitter) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(Envelope{
		Name:    e.EventName(),
		At:      time.Now().UTC(),
		Payload: e,
	})
	if err != nil {
		zap.L().Error("Failed to encode event", zap.String("event", e.EventName()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := r.Client.Publish(ctx, r.Channel, data).Err(); err != nil {
		zap.L().Error("Failed to publish event", zap.String("event", e.EventName()), zap.Error(err))
	}
}
