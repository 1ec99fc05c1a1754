// Package lock provides file-based advisory locking, used to serialize
// the merge engine's PREPARE/COMMIT/CLEANUP phases and any other
// write path that must not run concurrently with itself across
// processes.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manifold-vcs/manifold/internal/errs"
	"golang.org/x/sys/unix"
)

// Lock provides concurrency control.
type Lock interface {
	Acquire(timeout time.Duration) error
	Release() error
}

// Manager creates and manages locks.
type Manager interface {
	NewLock(path string) (Lock, error)
}

// fileLock implements file-based advisory locking using flock.
type fileLock struct {
	path string
	file *os.File
}

type manager struct{}

// NewManager creates a new lock manager.
func NewManager() Manager {
	return &manager{}
}

// NewLock creates a new file-based lock.
func (m *manager) NewLock(path string) (Lock, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.WrapError(errs.ErrIO, "failed to create lock directory", err).
			WithDetail("path", dir)
	}

	return &fileLock{
		path: path,
	}, nil
}

// Acquire acquires the lock with a timeout, polling with exponential
// backoff from 10ms up to 100ms between attempts.
func (l *fileLock) Acquire(timeout time.Duration) error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errs.WrapError(errs.ErrIO, "failed to open lock file", err).
			WithDetail("path", l.path)
	}

	deadline := time.Now().Add(timeout)
	pollInterval := 10 * time.Millisecond

	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = file
			return nil
		}

		if err != unix.EWOULDBLOCK {
			file.Close()
			return errs.WrapError(errs.ErrIO, "failed to acquire lock", err).
				WithDetail("path", l.path)
		}

		if time.Now().After(deadline) {
			file.Close()
			lockErr := errs.NewError(errs.ErrLocked, "lock acquisition timed out").
				WithDetail("path", l.path).
				WithDetail("timeout", timeout.String()).
				WithHint("another process may be holding the lock", "")
			if phase, runID, ok := l.holderHint(); ok {
				lockErr = lockErr.
					WithDetail("holder_phase", phase).
					WithDetail("holder_run_id", runID)
			}
			return lockErr
		}

		time.Sleep(pollInterval)
		if pollInterval < 100*time.Millisecond {
			pollInterval *= 2
			if pollInterval > 100*time.Millisecond {
				pollInterval = 100 * time.Millisecond
			}
		}
	}
}

// holderHint best-effort reads the merge-state file sitting next to
// this lock (lockPath with the ".lock" suffix trimmed) to report which
// phase and run currently hold it. It never fails the caller: a
// missing or unreadable file just means no hint is available.
func (l *fileLock) holderHint() (phase, runID string, ok bool) {
	statePath := strings.TrimSuffix(l.path, ".lock")
	if statePath == l.path {
		return "", "", false
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		return "", "", false
	}
	var holder struct {
		Phase string `json:"phase"`
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(data, &holder); err != nil || holder.Phase == "" {
		return "", "", false
	}
	return holder.Phase, holder.RunID, true
}

// Release releases the lock.
func (l *fileLock) Release() error {
	if l.file == nil {
		return errs.NewError(errs.ErrLocked, "lock not acquired")
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		l.file = nil
		return errs.WrapError(errs.ErrIO, "failed to release lock", err).
			WithDetail("path", l.path)
	}

	if err := l.file.Close(); err != nil {
		l.file = nil
		return errs.WrapError(errs.ErrIO, "failed to close lock file", err).
			WithDetail("path", l.path)
	}

	l.file = nil
	return nil
}

// String returns a string representation for debugging.
func (l *fileLock) String() string {
	acquired := "not acquired"
	if l.file != nil {
		acquired = "acquired"
	}
	return fmt.Sprintf("FileLock{path=%s, status=%s}", l.path, acquired)
}
