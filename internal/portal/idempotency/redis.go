package idempotency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGuard keeps markers in Redis. The claim is a single SET NX so it is
// safe across any number of portal instances.
type RedisGuard struct {
	client *redis.Client
	ttl    TTLs
}

func NewRedisGuard(client *redis.Client, ttl TTLs) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl.withDefaults()}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return client, nil
}

func (g *RedisGuard) TryAcquire(ctx context.Context, eventID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, Key(eventID), ValueProcessing, g.ttl.Processing).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", ErrUnavailable, eventID, err)
	}
	return ok, nil
}

func (g *RedisGuard) Finalize(ctx context.Context, eventID string) error {
	if err := g.client.Set(ctx, Key(eventID), ValueDone, g.ttl.Done).Err(); err != nil {
		return fmt.Errorf("%w: finalize %s: %v", ErrUnavailable, eventID, err)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, Key(eventID)).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, eventID, err)
	}
	return nil
}

// Extend pushes the marker expiry out. If the marker already expired it is
// recreated as processing so the applied change is not replayed.
func (g *RedisGuard) Extend(ctx context.Context, eventID string) error {
	key := Key(eventID)
	ok, err := g.client.Expire(ctx, key, g.ttl.Extended).Result()
	if err != nil {
		return fmt.Errorf("%w: extend %s: %v", ErrUnavailable, eventID, err)
	}
	if ok {
		return nil
	}
	if err := g.client.SetNX(ctx, key, ValueProcessing, g.ttl.Extended).Err(); err != nil {
		return fmt.Errorf("%w: extend %s: %v", ErrUnavailable, eventID, err)
	}
	return nil
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
