// Package lock defines the distributed lock used to keep sweepers in
// different processes from compacting the same series at the same time.
// Holding a lock never replaces the version checks of the store.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockHeld indicates another holder owns one of the requested keys
	ErrLockHeld = errors.New("lock is held by another process")

	// ErrLockNotHeld indicates the handle no longer owns its keys
	ErrLockNotHeld = errors.New("lock not held or expired")
)

// Locker acquires locks on sets of keys.
type Locker interface {
	// Acquire locks all keys or none. Keys are taken in sorted order.
	// Returns an error wrapping ErrLockHeld when any key is taken.
	Acquire(ctx context.Context, keys []string, ttl time.Duration) (LockHandle, error)
}

// LockHandle is a set of held locks.
type LockHandle interface {
	// Extend pushes the TTL of all held locks forward.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release drops every held lock, continuing past individual failures.
	Release(ctx context.Context) error

	// Keys returns the keys still held.
	Keys() []string
}
