package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores one upstream credential under a fixed key with a TTL.
type TokenCache struct {
	client *Client
	key    string
}

// NewTokenCache binds a cache entry for the named credential.
func NewTokenCache(client *Client, name string) *TokenCache {
	return &TokenCache{client: client, key: client.TokenKey(name)}
}

// Get returns the cached token; ok is false on a miss.
func (t *TokenCache) Get(ctx context.Context) (string, bool, error) {
	val, err := t.client.Get(ctx, t.key)
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, val != "", nil
}

// Set stores the token for ttl.
func (t *TokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	return t.client.Set(ctx, t.key, token, ttl)
}

// Invalidate drops the token so the next Get misses.
func (t *TokenCache) Invalidate(ctx context.Context) error {
	return t.client.Del(ctx, t.key)
}
