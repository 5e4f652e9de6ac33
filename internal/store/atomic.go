// Package store is the atomic JSON repository used by every subsystem that
// touches disk. It centralises the write discipline: temp file + fsync +
// rename for whole-file writes, advisory flock around mutations, fsync'd
// append for JSONL logs, and path containment validation. No caller writes
// JSON to disk any other way.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to path atomically: the bytes are written to a
// temp file in the same directory, fsync'd, and renamed over the target.
// On any failure the temp file is unlinked and the original file is left
// untouched.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically under an
// exclusive advisory lock on path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	unlock, err := LockExclusive(path)
	if err != nil {
		return err
	}
	defer unlock()

	return AtomicWriteFile(path, data, 0644)
}

// ReadJSON reads path under a shared advisory lock and unmarshals into v.
// A missing file returns os.ErrNotExist unwrapped via os.IsNotExist.
func ReadJSON(path string, v any) error {
	unlock, err := LockShared(path)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// UpdateJSON reads path into v, applies fn, and writes the result back, all
// under a single exclusive lock. If the file does not exist fn is applied to
// the zero value and the file is created.
func UpdateJSON[T any](path string, fn func(*T) error) error {
	unlock, err := LockExclusiveCreate(path)
	if err != nil {
		return err
	}
	defer unlock()

	var v T
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := fn(&v); err != nil {
		return err
	}

	out, err := json.MarshalIndent(&v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, out, 0644)
}
