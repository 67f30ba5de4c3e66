// Package lockfile enforces that exactly one cache process owns the
// relational store at a time (spec.md §3.4: ownership is process-local).
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when a lock cannot be acquired because it is held by another process.
var ErrLocked = errStoreLocked

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates the store is owned by another process.
func IsLocked(err error) bool {
	return errors.Is(err, errStoreLocked)
}

// OwnerLock guards exclusive ownership of one cache store. A cache process
// acquires it once at startup and holds it for the process lifetime; the
// write engine, event follower and scanner all assume it is held.
type OwnerLock struct {
	path string
	file *os.File
}

// New returns an OwnerLock for the given lock file path. The file sits
// alongside the store (e.g. "<db-path>.lock") but is not yet acquired.
func New(path string) *OwnerLock {
	return &OwnerLock{path: path}
}

// Acquire takes an exclusive, non-blocking lock. If another process already
// owns the store it returns ErrLocked immediately rather than waiting.
func (l *OwnerLock) Acquire() error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lockfile: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("lockfile: open %s: %w", l.path, err)
	}
	if err := FlockExclusiveNonBlocking(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errStoreLocked) {
			return errStoreLocked
		}
		return fmt.Errorf("lockfile: flock %s: %w", l.path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteString(fmt.Sprintf("%d\n", os.Getpid()))
	l.file = f
	return nil
}

// Release drops ownership. Safe to call on a never-acquired lock.
func (l *OwnerLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := FlockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
