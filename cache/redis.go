// Package cache keeps terminal verification results in redis so repeated
// proofs for the same transaction skip the RPC round trips.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vitwit/x402-market/types"
)

const (
	DefaultTTL = 10 * time.Minute
	keyPrefix  = "x402:verify:"
)

type RedisCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *goredis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*types.VerificationResult, bool, error) {
	if c.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}

	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get verification result: %w", err)
	}

	var res types.VerificationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode verification result: %w", err)
	}
	return &res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, res *types.VerificationResult) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if res == nil {
		return fmt.Errorf("verification result is nil")
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode verification result: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set verification result: %w", err)
	}
	return nil
}
