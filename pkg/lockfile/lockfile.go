// Package lockfile provides an exclusive file lock with stale-holder
// reclamation. It serializes the read-modify-write cycles of concurrent
// orchestrator invocations against the shared record store, and guarantees a
// crashed holder cannot deadlock later runs: locks older than a staleness
// threshold are reclaimed by the next waiter.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// ErrAcquireTimeout is returned when the lock cannot be acquired within the
// configured wait bound.
var ErrAcquireTimeout = errors.New("lockfile: acquire timed out")

// ErrNotHeld is returned when releasing a lock this handle does not hold.
var ErrNotHeld = errors.New("lockfile: lock not held")

const (
	// DefaultStaleAfter is how old a lock may be before it is considered
	// abandoned by a crashed holder.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultAcquireTimeout bounds the wait for the lock.
	DefaultAcquireTimeout = 30 * time.Second

	// pollInterval is the fallback poll cadence when filesystem events are
	// unavailable or missed.
	pollInterval = 250 * time.Millisecond
)

// holderInfo is written into the lock file for staleness checks and debugging.
type holderInfo struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a handle on a single lock file. A Lock is not safe for concurrent
// use by multiple goroutines; each goroutine should create its own handle.
type Lock struct {
	// Path is the lock file location.
	Path string

	// StaleAfter is the age beyond which a foreign lock is reclaimed.
	StaleAfter time.Duration

	// AcquireTimeout bounds Acquire.
	AcquireTimeout time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	holderID string
	held     bool
}

// New returns a lock handle with default thresholds.
func New(path string) *Lock {
	return &Lock{
		Path:           path,
		StaleAfter:     DefaultStaleAfter,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}

func (l *Lock) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// Acquire takes the lock, waiting up to AcquireTimeout. Waiting prefers
// fsnotify removal events on the lock directory and falls back to polling, so
// a crashed watcher never wedges the caller.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	timeout := l.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := l.now().Add(timeout)

	if ok, err := l.tryAcquire(); err != nil {
		return err
	} else if ok {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(l.Path)); werr == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s: %s", ErrAcquireTimeout, timeout, l.Path)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return fmt.Errorf("%w after %s: %s", ErrAcquireTimeout, timeout, l.Path)
		case ev := <-events:
			timer.Stop()
			if ev.Name != l.Path || !ev.Has(fsnotify.Remove) {
				continue
			}
		case <-ticker.C:
			timer.Stop()
		}

		if ok, err := l.tryAcquire(); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
}

// tryAcquire attempts a single exclusive creation, reclaiming a stale lock
// first if one is present.
func (l *Lock) tryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return false, fmt.Errorf("lockfile: create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return false, fmt.Errorf("lockfile: open: %w", err)
		}
		if l.reclaimIfStale() {
			// Removed a stale holder; contend again on the next pass so
			// racing waiters still serialize through O_EXCL.
			return false, nil
		}
		return false, nil
	}

	l.holderID = uuid.New().String()
	info := holderInfo{
		HolderID:   l.holderID,
		PID:        os.Getpid(),
		AcquiredAt: l.now(),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&info); err != nil {
		f.Close()
		os.Remove(l.Path)
		return false, fmt.Errorf("lockfile: write holder info: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.Path)
		return false, fmt.Errorf("lockfile: close: %w", err)
	}

	l.held = true
	return true, nil
}

// reclaimIfStale removes the lock file when its holder metadata (or, failing
// that, its mtime) is older than StaleAfter. Returns true when a reclaim
// happened.
func (l *Lock) reclaimIfStale() bool {
	stale := l.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}

	acquiredAt, ok := l.readAcquiredAt()
	if !ok {
		fi, err := os.Stat(l.Path)
		if err != nil {
			return false
		}
		acquiredAt = fi.ModTime()
	}

	if l.now().Sub(acquiredAt) < stale {
		return false
	}
	return os.Remove(l.Path) == nil
}

func (l *Lock) readAcquiredAt() (time.Time, bool) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return time.Time{}, false
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil || info.AcquiredAt.IsZero() {
		return time.Time{}, false
	}
	return info.AcquiredAt, true
}

// Release drops the lock. Releasing a lock that was reclaimed by another
// holder in the meantime is a no-op for that holder's file.
func (l *Lock) Release() error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	// Only remove the file if we are still the recorded holder; a stale
	// reclaim may have handed it to someone else.
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lockfile: read on release: %w", err)
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err == nil && info.HolderID != l.holderID {
		return nil
	}

	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove: %w", err)
	}
	return nil
}

// Held reports whether this handle currently believes it holds the lock.
func (l *Lock) Held() bool {
	return l.held
}
