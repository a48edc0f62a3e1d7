// Package locks provides advisory, auto-expiring per-job locks so that
// only one instance runs a given background task at a time. Losing a
// lock is not an error condition: the holder finishes its pass, the
// loser skips.
package locks

import (
	"context"
	"sync"
	"time"
)

// Locker acquires a named advisory lock for ttl. ok reports whether the
// lock was won; release is non-nil only on success and is safe to call
// after the ttl expired.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (ok bool, release func(), err error)
}

// LocalLocker is the single-process fallback: a mutex-guarded map of
// lock names to expiry deadlines. TTL expiry makes a crashed holder's
// lock reclaimable, same contract as the Redis-backed locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire takes the named lock unless an unexpired holder exists.
func (l *LocalLocker) Acquire(_ context.Context, name string, ttl time.Duration) (bool, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if deadline, ok := l.held[name]; ok && now.Before(deadline) {
		return false, nil, nil
	}
	l.held[name] = now.Add(ttl)
	expiry := l.held[name]

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only release our own acquisition: after expiry another
		// holder may own the name.
		if deadline, ok := l.held[name]; ok && deadline.Equal(expiry) {
			delete(l.held, name)
		}
	}
	return true, release, nil
}
