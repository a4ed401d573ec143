package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUsageCounter(t *testing.T, loc *time.Location) (*UsageCounter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	counter, err := NewUsageCounter(&UsageCounterConfig{
		Redis:    redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Location: loc,
	})
	require.NoError(t, err)

	return counter, mr
}

func TestNewUsageCounter_Validation(t *testing.T) {
	_, err := NewUsageCounter(nil)
	assert.Error(t, err)

	_, err = NewUsageCounter(&UsageCounterConfig{})
	assert.Error(t, err)
}

func TestUsageCounter_AddAndRead(t *testing.T) {
	counter, mr := setupUsageCounter(t, time.UTC)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	total, err := counter.Add(ctx, "cred-1", 10, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	total, err = counter.Add(ctx, "cred-1", 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)

	used, err := counter.UsedOn(ctx, "cred-1", now)
	require.NoError(t, err)
	assert.Equal(t, 20, used)

	used, err = counter.UsedOn(ctx, "cred-1", now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, used, "a new day starts at zero")

	ttl := mr.TTL(KeyPrefixUsage + "cred-1:2026-05-01")
	assert.Equal(t, DefaultUsageKeyTTL, ttl)
}

func TestUsageCounter_DayFollowsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	counter, _ := setupUsageCounter(t, loc)
	ctx := context.Background()

	// 06:00 UTC on May 2 is still May 1 in Los Angeles
	at := time.Date(2026, 5, 2, 6, 0, 0, 0, time.UTC)
	_, err = counter.Add(ctx, "cred-1", 3, at)
	require.NoError(t, err)

	used, err := counter.UsedOn(ctx, "cred-1", time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}
