// Package lockfile provides file-based exclusive locking around the session credential.
//
// Locks are flock(2) locks, so the kernel releases them when the holding process exits,
// gracefully or not. Acquisition polls with a bounded wait instead of blocking forever.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Defaults for lock acquisition
const (
	// DefaultWait is the default bound on how long Acquire waits for a contended lock
	DefaultWait = 30 * time.Second
	// DefaultPollInterval is how often a contended lock is retried
	DefaultPollInterval = 100 * time.Millisecond
	// LockSuffix is appended to a credential path to derive its lock file
	LockSuffix = ".lock"
)

// ErrTimeout is returned (wrapped in a LockError) when the wait bound elapses.
var ErrTimeout = errors.New("timed out waiting for lock")

// Lock represents an acquired exclusive lock
type Lock struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	acquired bool
}

// PathFor returns the lock file path guarding the given credential file.
func PathFor(credentialPath string) string {
	return credentialPath + LockSuffix
}

// Acquire takes an exclusive lock on lockPath, waiting at most wait for a
// competing holder to let go. A zero wait tries exactly once.
func Acquire(lockPath string, wait time.Duration) (*Lock, error) {
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "wait", wait)

	dir := filepath.Dir(lockPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	deadline := time.Now().Add(wait)
	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			file.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if !time.Now().Before(deadline) {
			file.Close()
			lockInfo := readExistingLockInfo(lockPath)
			slog.Warn("Timed out waiting for credential lock", "lock_path", lockPath, "existing_lock_info", lockInfo, "wait", wait)
			return nil, &LockError{LockPath: lockPath, ExistingInfo: lockInfo, Cause: ErrTimeout}
		}
		time.Sleep(DefaultPollInterval)
	}

	// Record the holder for diagnostics
	if err := file.Truncate(0); err == nil {
		if _, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
			slog.Warn("Failed to write lock information", "error", err, "lock_path", lockPath)
		}
	}

	slog.Debug("Acquired credential lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether the lock is still held.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// Release releases the lock. It is safe to call multiple times.
// The lock file itself is left in place: unlinking it would let a waiter
// lock an orphaned inode while a newcomer locks a fresh file.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired || l.file == nil {
		return nil
	}

	var firstErr error
	if err := l.file.Truncate(0); err != nil {
		slog.Debug("Failed to clear lock information", "error", err, "lock_path", l.path)
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
		firstErr = err
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	l.acquired = false
	l.file = nil
	slog.Debug("Released credential lock", "lock_path", l.path)
	return firstErr
}

// LockError represents a failure to acquire a lock held by someone else
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("credential lock %s is held by another session owner", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf(" (%s)", e.ExistingInfo)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo reads holder information from the lock file.
// Returns a descriptive string; never fails.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}

	content := string(data)
	if content == "" {
		return "lock file contains no process information"
	}

	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running)", pid)
	}

	return fmt.Sprintf("process information: %s", strings.TrimSpace(content))
}

// extractPIDFromLockInfo extracts a PID from "pid=NNNN" content
func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	if idx := strings.Index(content, pidPrefix); idx != -1 {
		start := idx + len(pidPrefix)
		end := start
		for end < len(content) && content[end] >= '0' && content[end] <= '9' {
			end++
		}
		if end > start {
			if pid, err := strconv.Atoi(content[start:end]); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning checks if a process with the given PID exists (signal 0)
func isProcessRunning(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
