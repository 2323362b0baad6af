// Package cache holds the short-lived shared state of the service: the
// per-progress validation lock and revoked token ids. Redis backs it when
// configured; the memory variants serve single-instance deployments.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix    = "cityjourney:lock:"
	revokedPrefix = "cityjourney:revoked:"
)

type RedisClient struct {
	client *redis.Client
}

// OpenRedis parses rawURL and pings the server.
func OpenRedis(ctx context.Context, rawURL string) (*RedisClient, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisClient{client: client}, nil
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}

// Check implements health.Checker.
func (c *RedisClient) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// TryLock sets key only if absent. The returned release function deletes
// the key only while it still holds this caller's token.
func (c *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(ctx, c.client, []string{lockPrefix + key}, token)
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisClient) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return c.client.Set(ctx, revokedPrefix+tokenID, 1, ttl).Err()
}

func (c *RedisClient) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := c.client.Get(ctx, revokedPrefix+tokenID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
