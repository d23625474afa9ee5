package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerWithoutRedis(t *testing.T) {
	locker := NewLocker(nil)
	require.Nil(t, locker)

	_, ok, err := locker.TryLock(context.Background(), "renewals:scheduler:plan_renewals", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.False(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "renewals:scheduler:plan_renewals", "token"))
}

func TestLockerRejectsInvalidLease(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)

	_, _, err := locker.TryLock(context.Background(), " ", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLock)

	_, _, err = locker.TryLock(context.Background(), "renewals:scheduler:plan_renewals", 0)
	assert.ErrorIs(t, err, ErrInvalidLock)
}
