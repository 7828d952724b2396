package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/atelier/internal/errs"
)

// Redis shares the cooldown between processes, e.g. several CLI invocations.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	cooldown time.Duration
}

var _ Limiter = (*Redis)(nil)

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, prefix string, cooldown time.Duration) *Redis {
	if prefix == "" {
		prefix = "atelier"
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Redis{client: client, prefix: prefix, cooldown: cooldown}
}

// HashKey avoids storing raw phone numbers.
func HashKey(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8])
}

func (l *Redis) key(k string) string { return l.prefix + ":otp:" + HashKey(k) }

// Allow implements Limiter.
func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.key(key)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	// -2 missing, -1 no expiry (never set by us)
	if ttl <= 0 {
		return true, 0, nil
	}
	return false, ttl, nil
}

// Success implements Limiter.
func (l *Redis) Success(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, l.key(key), 1, l.cooldown).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	return nil
}

// Failure implements Limiter.
func (l *Redis) Failure(ctx context.Context, key string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = l.cooldown
	}
	k := l.key(key)
	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	if ttl >= retryAfter {
		return nil
	}
	if err := l.client.Set(ctx, k, 1, retryAfter).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	return nil
}
