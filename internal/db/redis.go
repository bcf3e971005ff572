package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// heartbeatKeyPrefix namespaces per-instance liveness keys.
const heartbeatKeyPrefix = "rtbconnect:heartbeat:"

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// PublishControl publishes a raw control message on channel.
func (r *RedisStore) PublishControl(ctx context.Context, channel string, payload []byte) error {
	if err := r.Client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish control message: %w", err)
	}
	return nil
}

// SubscribeControl subscribes to channel and forwards message payloads until
// ctx is cancelled, then closes the returned channel. It returns once the
// subscription is confirmed by the server.
func (r *RedisStore) SubscribeControl(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.Client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				zap.L().Warn("redis subscription close", zap.Error(err))
			}
		}()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RecordHeartbeat marks instance as alive for ttl. Operators can list live
// router instances with the rtbconnect:heartbeat:* keys.
func (r *RedisStore) RecordHeartbeat(ctx context.Context, instance string, ttl time.Duration) error {
	key := heartbeatKeyPrefix + instance
	if err := r.Client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// LiveInstances returns the instances with an unexpired heartbeat.
func (r *RedisStore) LiveInstances(ctx context.Context) ([]string, error) {
	var out []string
	iter := r.Client.Scan(ctx, 0, heartbeatKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(heartbeatKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	return out, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
