package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefixSweepLock prefixes the Redis keys holding sweep lock tokens.
const KeyPrefixSweepLock = "lock:sweep:"

// releaseScript deletes the lock key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// SweepLock is an expiring exclusive claim on a named periodic sweep (not a job).
type SweepLock struct {
	redis redis.Cmdable
}

// NewSweepLock creates a sweep lock backed by Redis
func NewSweepLock(client redis.Cmdable) (*SweepLock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &SweepLock{redis: client}, nil
}

// Acquire claims name for ttl. It returns the holder token and whether the claim succeeded.
func (l *SweepLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := l.redis.SetNX(ctx, KeyPrefixSweepLock+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire sweep lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Release drops the claim if token still holds it
func (l *SweepLock) Release(ctx context.Context, name, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.redis, []string{KeyPrefixSweepLock + name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release sweep lock %s: %w", name, err)
	}
	return nil
}
