// Package lockfile provides cross-process advisory locks backed by one file
// per resource under a shared lock directory. Locks are exclusive and
// non-blocking at the OS level; Acquire polls until the timeout elapses.
// A lock file whose mtime is older than the stale threshold is reaped on
// contention so crashed holders cannot wedge the system.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const pollInterval = 100 * time.Millisecond

// Manager creates locks under a single directory.
type Manager struct {
	dir          string
	timeout      time.Duration
	staleTimeout time.Duration
}

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	file *os.File
	path string
}

// NewManager creates the lock directory if needed.
func NewManager(dir string, timeout, staleTimeout time.Duration) (*Manager, error) {
	if dir == "" {
		dir = ".locks"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Manager{dir: dir, timeout: timeout, staleTimeout: staleTimeout}, nil
}

// Acquire obtains the exclusive lock for resource, waiting up to the
// manager's timeout. The context can cancel the wait early.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Lock, error) {
	path := filepath.Join(m.dir, sanitize(resource)+".lock")
	deadline := time.Now().Add(m.timeout)

	for {
		lock, err := m.tryAcquire(path)
		if err == nil {
			return lock, nil
		}

		m.reapStale(path)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: acquire timeout after %s", resource, m.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Manager) tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err = flock(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	// Record holder metadata; mtime doubles as the staleness clock.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
	_ = f.Sync()
	return &Lock{file: f, path: path}, nil
}

// reapStale removes a lock file whose mtime exceeds the stale threshold.
// The holder most likely crashed without releasing.
func (m *Manager) reapStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < m.staleTimeout {
		return
	}
	if err = os.Remove(path); err == nil {
		log.Warnf("removed stale lock file %s (age %s)", path, time.Since(info.ModTime()).Truncate(time.Second))
	}
}

// Release drops the lock and removes its file.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = funlock(l.file)
	_ = l.file.Close()
	_ = os.Remove(l.path)
	l.file = nil
}

func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
