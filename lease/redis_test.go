package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	locker := NewRedisLocker(RedisConfig{Addr: mr.Addr(), PoolSize: 4}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = locker.Close() })
	return locker, mr
}

func TestRedisLocker_AcquireAndContend(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()
	require.NoError(t, locker.Ping(ctx))

	l, ok, err := locker.Acquire(ctx, ServerKey("web-01"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "vigilant:lease:web-01", l.Key())
	assert.True(t, mr.Exists("vigilant:lease:web-01"))

	_, ok, err = locker.Acquire(ctx, ServerKey("web-01"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists("vigilant:lease:web-01"))

	_, ok, err = locker.Acquire(ctx, ServerKey("web-01"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	ctx := context.Background()

	first, ok, err := locker.Acquire(ctx, ServerKey("db-01"), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	second, ok, err := locker.Acquire(ctx, ServerKey("db-01"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the stale holder must not free the new holder's lease
	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists("vigilant:lease:db-01"))

	require.NoError(t, second.Release(ctx))
	assert.False(t, mr.Exists("vigilant:lease:db-01"))
}

func TestRedisLocker_ReleaseIsIdempotent(t *testing.T) {
	locker, _ := newTestRedisLocker(t)
	ctx := context.Background()

	l, ok, err := locker.Acquire(ctx, ServerKey("web-02"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
}

func TestRedisLocker_Unavailable(t *testing.T) {
	locker, mr := newTestRedisLocker(t)
	mr.Close()

	_, ok, err := locker.Acquire(context.Background(), ServerKey("web-01"), time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
