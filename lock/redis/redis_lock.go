// Package redis implements lock.Locker on top of Redis SET NX.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"seqtx/lock"
)

var (
	_ lock.Locker     = (*RedisLocker)(nil)
	_ lock.LockHandle = (*redisLockHandle)(nil)
)

// Only the token holder may extend or release a key.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLocker implements distributed locking using Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// Option is a functional option for configuring RedisLocker.
type Option func(*RedisLocker)

// WithPrefix sets the key prefix for locks.
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker creates a new Redis-based distributed locker.
func NewRedisLocker(client redis.Cmdable, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "seqtx:lock:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes every key with SET NX PX, in sorted order. On any failure the
// keys taken so far are released.
func (l *RedisLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (lock.LockHandle, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}

	sortedKeys := make([]string, len(keys))
	copy(sortedKeys, keys)
	sort.Strings(sortedKeys)

	handle := &redisLockHandle{
		client:   l.client,
		prefix:   l.prefix,
		token:    uuid.NewString(),
		acquired: make([]string, 0, len(sortedKeys)),
	}

	for _, key := range sortedKeys {
		ok, err := l.client.SetNX(ctx, l.prefix+key, handle.token, ttl).Result()
		if err != nil {
			_ = handle.Release(ctx)
			return nil, fmt.Errorf("lock acquisition failed for key %s: %w", key, err)
		}
		if !ok {
			_ = handle.Release(ctx)
			return nil, fmt.Errorf("lock acquisition failed for key %s: %w", key, lock.ErrLockHeld)
		}
		handle.acquired = append(handle.acquired, key)
	}

	return handle, nil
}

type redisLockHandle struct {
	client   redis.Cmdable
	prefix   string
	token    string
	acquired []string
	mu       sync.Mutex
}

// Extend extends the TTL of all held locks.
func (h *redisLockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return lock.ErrLockNotHeld
	}

	var extendErr error
	for _, key := range h.acquired {
		n, err := extendScript.Run(ctx, h.client, []string{h.prefix + key}, h.token, ttl.Milliseconds()).Int()
		if err == nil && n == 0 {
			err = lock.ErrLockNotHeld
		}
		if err != nil {
			extendErr = errors.Join(extendErr, fmt.Errorf("failed to extend lock %s: %w", key, err))
		}
	}
	return extendErr
}

// Release releases all held locks, newest first.
func (h *redisLockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var releaseErr error
	for i := len(h.acquired) - 1; i >= 0; i-- {
		key := h.acquired[i]
		if err := releaseScript.Run(ctx, h.client, []string{h.prefix + key}, h.token).Err(); err != nil {
			releaseErr = errors.Join(releaseErr, fmt.Errorf("failed to release lock %s: %w", key, err))
		}
	}
	h.acquired = nil

	return releaseErr
}

// Keys returns the keys that are locked.
func (h *redisLockHandle) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.acquired == nil {
		return nil
	}
	keys := make([]string, len(h.acquired))
	copy(keys, h.acquired)
	return keys
}
