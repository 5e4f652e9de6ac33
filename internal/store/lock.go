package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Advisory locking uses a sidecar <path>.lock file rather than the data file
// itself, so the atomic rename in AtomicWriteFile never swaps a locked inode
// out from under a waiting reader.

func lockPath(path string) string { return path + ".lock" }

func acquire(path string, how int) (func(), error) {
	// The lock file is created on demand, which needs the data file's
	// directory to exist even for a first read of a not-yet-written path.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // unlock best-effort
		f.Close()
	}, nil
}

// LockExclusive takes an exclusive advisory lock for path. The returned
// function releases it.
func LockExclusive(path string) (func(), error) {
	return acquire(path, syscall.LOCK_EX)
}

// LockShared takes a shared advisory lock for path.
func LockShared(path string) (func(), error) {
	return acquire(path, syscall.LOCK_SH)
}

// LockExclusiveCreate is LockExclusive; the lock file is always created on
// demand, so locking a not-yet-existing data file is fine.
func LockExclusiveCreate(path string) (func(), error) {
	return LockExclusive(path)
}
