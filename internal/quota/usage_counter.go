package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefixUsage prefixes the per-credential daily usage keys.
const KeyPrefixUsage = "quota:usage:"

// DefaultUsageKeyTTL keeps yesterday's counter around for late readers.
const DefaultUsageKeyTTL = 48 * time.Hour

// UsageCounter records units consumed per credential per calendar day in Redis.
// The day boundary is taken in the zone of the external quota window.
type UsageCounter struct {
	redis    redis.Cmdable
	location *time.Location
	keyTTL   time.Duration
}

// UsageCounterConfig holds configuration for the usage counter.
type UsageCounterConfig struct {
	// Redis is the client storing the counters. Required.
	Redis redis.Cmdable

	// Location is the zone of the quota day. Default: UTC.
	Location *time.Location

	// KeyTTL is the lifetime of a day's counter. Default: 48h.
	KeyTTL time.Duration
}

// NewUsageCounter creates a new usage counter
func NewUsageCounter(cfg *UsageCounterConfig) (*UsageCounter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = DefaultUsageKeyTTL
	}

	return &UsageCounter{redis: cfg.Redis, location: loc, keyTTL: ttl}, nil
}

func (u *UsageCounter) key(credentialID string, at time.Time) string {
	return KeyPrefixUsage + credentialID + ":" + at.In(u.location).Format("2006-01-02")
}

// Add increments the credential's usage for the day of at
func (u *UsageCounter) Add(ctx context.Context, credentialID string, units int, at time.Time) (int64, error) {
	key := u.key(credentialID, at)

	pipe := u.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(units))
	pipe.Expire(ctx, key, u.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record usage for %s: %w", credentialID, err)
	}

	return incr.Val(), nil
}

// UsedOn returns the units recorded for the credential on the day of at
func (u *UsageCounter) UsedOn(ctx context.Context, credentialID string, at time.Time) (int, error) {
	n, err := u.redis.Get(ctx, u.key(credentialID, at)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage for %s: %w", credentialID, err)
	}
	return n, nil
}
