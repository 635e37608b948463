// Package idempotency remembers which render job an Idempotency-Key produced,
// so a retried submission gets the original job instead of a second render.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "render:idem:"
	pending   = "pending"
	// pendingTTL bounds how long a crashed submit can hold a key.
	pendingTTL = time.Minute
)

// ErrInFlight means another request with the same key is still being submitted.
var ErrInFlight = errors.New("idempotent request already in flight")

// Keys stores key to job id mappings in Redis.
type Keys struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable, ttl time.Duration) *Keys {
	return &Keys{client: client, ttl: ttl}
}

// Claim reserves key for tenant. It returns the job id recorded for an
// earlier request, or "" when the caller now owns the key and must call
// Complete or Release.
func (k *Keys) Claim(ctx context.Context, tenant, key string) (string, error) {
	rk := redisKey(tenant, key)
	ok, err := k.client.SetNX(ctx, rk, pending, pendingTTL).Result()
	if err != nil {
		return "", fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return "", nil
	}
	existing, err := k.client.Get(ctx, rk).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Released between the two calls; let the client retry.
		return "", ErrInFlight
	case err != nil:
		return "", fmt.Errorf("read idempotency key: %w", err)
	case existing == pending:
		return "", ErrInFlight
	}
	return existing, nil
}

// Complete records the job id for a claimed key.
func (k *Keys) Complete(ctx context.Context, tenant, key, jobID string) error {
	err := k.client.SetArgs(ctx, redisKey(tenant, key), jobID, redis.SetArgs{Mode: "XX", TTL: k.ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a claim whose submission failed.
func (k *Keys) Release(ctx context.Context, tenant, key string) error {
	if err := k.client.Del(ctx, redisKey(tenant, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func redisKey(tenant, key string) string {
	return keyPrefix + tenant + ":" + key
}
