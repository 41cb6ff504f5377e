package redis

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"seqtx/lock"
)

func newTestLocker(t *testing.T, opts ...Option) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, opts...), mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"sweep:orders"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep:orders"}, handle.Keys())
	assert.True(t, mr.Exists("seqtx:lock:sweep:orders"))
	assert.Equal(t, time.Minute, mr.TTL("seqtx:lock:sweep:orders"))

	require.NoError(t, handle.Release(ctx))
	assert.False(t, mr.Exists("seqtx:lock:sweep:orders"))
	assert.Nil(t, handle.Keys())

	// Releasing twice is harmless.
	require.NoError(t, handle.Release(ctx))
}

func TestRedisLocker_HeldByOther(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, []string{"a"}, time.Minute)
	require.NoError(t, err)
	defer first.Release(ctx)

	_, err = locker.Acquire(ctx, []string{"a"}, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLockHeld)
}

func TestRedisLocker_PartialAcquireRollsBack(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, []string{"b"}, time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	// "a" is taken first, then "b" fails, so "a" must be released again.
	_, err = locker.Acquire(ctx, []string{"b", "a"}, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	assert.False(t, mr.Exists("seqtx:lock:a"))
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"k"}, time.Second)
	require.NoError(t, err)

	// Our lock expires and someone else takes the key.
	mr.FastForward(2 * time.Second)
	other, err := locker.Acquire(ctx, []string{"k"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, handle.Release(ctx))
	assert.True(t, mr.Exists("seqtx:lock:k"), "release must not drop a lock owned by another token")

	require.NoError(t, other.Release(ctx))
}

func TestRedisLocker_Extend(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, []string{"k"}, time.Second)
	require.NoError(t, err)

	require.NoError(t, handle.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("seqtx:lock:k"))

	mr.FastForward(2 * time.Minute)
	err = handle.Extend(ctx, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockNotHeld)

	require.NoError(t, handle.Release(ctx))
	assert.ErrorIs(t, handle.Extend(ctx, time.Minute), lock.ErrLockNotHeld)
}

func TestRedisLocker_Prefix(t *testing.T) {
	locker, mr := newTestLocker(t, WithPrefix("custom:"))

	handle, err := locker.Acquire(context.Background(), []string{"x"}, time.Minute)
	require.NoError(t, err)
	defer handle.Release(context.Background())

	assert.True(t, mr.Exists("custom:x"))
}

func TestRedisLocker_NoKeys(t *testing.T) {
	locker, _ := newTestLocker(t)

	_, err := locker.Acquire(context.Background(), nil, time.Minute)
	assert.Error(t, err)
}

// Keys are always held in sorted order regardless of request order.
func TestProperty_KeysSorted(t *testing.T) {
	locker, _ := newTestLocker(t)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		perm := rapid.Permutation(makeKeys(n)).Draw(rt, "keys")

		handle, err := locker.Acquire(context.Background(), perm, time.Minute)
		if err != nil {
			rt.Fatalf("acquire: %v", err)
		}
		defer handle.Release(context.Background())

		got := handle.Keys()
		if !sort.StringsAreSorted(got) || len(got) != n {
			rt.Fatalf("keys not sorted or incomplete: %v", got)
		}
	})
}

func makeKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("series-%d", i)
	}
	return keys
}
