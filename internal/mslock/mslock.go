// Package mslock implements the scheduler's keyed exclusive-lock table
// over Measurement Set paths (spec §4.4, §5): in-process mutual exclusion
// plus a cooperating lock-file artifact so external processes honor the
// same lock.
package mslock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type lockInfo struct {
	OwnerPID     int       `json:"owner_pid"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// Table holds one lock per MS path, each guarded by a semaphore channel so
// acquisition can respect ctx cancellation and a timeout.
type Table struct {
	mu    sync.Mutex
	locks map[string]chan struct{}

	staleAge time.Duration
}

func New(staleAge time.Duration) *Table {
	return &Table{locks: make(map[string]chan struct{}), staleAge: staleAge}
}

func (t *Table) sem(path string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[path] = ch
	}
	return ch
}

// Acquire blocks until the lock on msPath is held, ctx is canceled, or
// timeout elapses; the caller supplies timeout (the scheduler passes the
// ms_lock_timeout_s config value). It writes a lock file
// alongside msPath so cooperating external processes observe ownership.
func (t *Table) Acquire(ctx context.Context, msPath string, timeout time.Duration) (func(), error) {
	t.preemptStale(msPath)

	ch := t.sem(msPath)
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ch <- struct{}{}:
		if err := writeLockFile(msPath); err != nil {
			<-ch
			return nil, fmt.Errorf("mslock: write lock file: %w", err)
		}
		released := false
		release := func() {
			if released {
				return
			}
			released = true
			_ = os.Remove(lockFilePath(msPath))
			<-ch
		}
		return release, nil
	case <-ctx2.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mslock: acquire %s: %w", msPath, errMSLockTimeout)
	}
}

var errMSLockTimeout = fmt.Errorf("MSLockTimeout")

func lockFilePath(msPath string) string { return msPath + ".lock" }

func writeLockFile(msPath string) error {
	info := lockInfo{OwnerPID: os.Getpid(), AcquiredAt: time.Now()}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(lockFilePath(msPath), raw, 0o644)
}

// preemptStale removes a lock file older than staleAge before attempting
// acquisition, per §4.4's stale-lock preemption rule. It does not touch
// the in-process semaphore: a genuinely held in-process lock will still
// block the new acquirer, but an orphaned lock file from a crashed
// process no longer blocks cooperating external readers.
func (t *Table) preemptStale(msPath string) {
	if t.staleAge <= 0 {
		return
	}
	info, err := os.Stat(lockFilePath(msPath))
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > t.staleAge {
		_ = os.Remove(lockFilePath(msPath))
	}
}
