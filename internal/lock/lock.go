// Package lock implements the cache directory's upgradable advisory file
// lock, held for the lifetime of a cache session over the cache's config
// file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// UpgradeFailedError reports that a shared-to-exclusive upgrade could not
// be completed because another writer holds the lock.
type UpgradeFailedError struct {
	Path string
}

func (e *UpgradeFailedError) Error() string {
	return fmt.Sprintf("lock: upgrade failed, contended: %s", e.Path)
}

// defaultUpgradeRetries and defaultUpgradeInterval bound the release-then-
// acquire-exclusive retry loop used by Upgrade on platforms (all of them,
// via flock) where upgrade is not atomic.
const (
	defaultUpgradeRetries  = 10
	defaultUpgradeInterval = 50 * time.Millisecond
)

// Lock is a POSIX advisory lock (flock) over a single file, constructed
// either shared or exclusive and optionally upgraded later.
type Lock struct {
	path      string
	file      *os.File
	exclusive bool
	released  bool
}

// AcquireShared opens path and takes a shared (LOCK_SH) advisory lock.
func AcquireShared(path string) (*Lock, error) {
	return acquire(path, syscall.LOCK_SH)
}

// AcquireExclusive opens path and takes an exclusive (LOCK_EX) advisory
// lock.
func AcquireExclusive(path string) (*Lock, error) {
	return acquire(path, syscall.LOCK_EX)
}

func acquire(path string, how int) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}
	return &Lock{path: path, file: f, exclusive: how == syscall.LOCK_EX}, nil
}

// Exclusive reports whether the lock is currently held exclusively.
func (l *Lock) Exclusive() bool {
	return l.exclusive
}

// Upgrade attempts to upgrade a shared lock to exclusive. flock does not
// support atomic upgrade, so this releases the shared lock and retries a
// non-blocking exclusive acquire with a bounded budget; on exhaustion it
// re-acquires the shared lock (best effort) and returns
// *UpgradeFailedError.
func (l *Lock) Upgrade() error {
	if l.exclusive {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("lock: release shared %s: %w", l.path, err)
	}

	var lastErr error
	for i := 0; i < defaultUpgradeRetries; i++ {
		err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			l.exclusive = true
			return nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			break
		}
		time.Sleep(defaultUpgradeInterval)
	}

	// Best-effort: reacquire the shared lock we gave up so the caller's
	// session invariant ("always holding some lock") still holds.
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_SH)
	_ = lastErr
	return &UpgradeFailedError{Path: l.path}
}

// Release drops the lock. Idempotent.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("lock: unlock %s: %w", l.path, err)
	}
	return l.file.Close()
}
