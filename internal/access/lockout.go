package access

import (
	"sync"
	"time"
)

type entry struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// expired reports whether e no longer affects the pair: its lock has run
// out, or it was never locked and its last failure is a cooldown old.
func (e *entry) expired(now time.Time, cooldown time.Duration) bool {
	if !e.lockedUntil.IsZero() {
		return !now.Before(e.lockedUntil)
	}
	return now.Sub(e.lastFailure) >= cooldown
}

// Lockout counts wrong access codes per (project, user) and locks the pair
// for a cooldown once the limit is reached. State is process-local.
type Lockout struct {
	mu       sync.Mutex
	data     map[string]*entry
	max      int
	cooldown time.Duration
	now      func() time.Time
}

// NewLockout returns a lockout with the given limit and cooldown.
// maxAttempts <= 0 disables it.
func NewLockout(maxAttempts int, cooldown time.Duration) *Lockout {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Lockout{
		data:     make(map[string]*entry),
		max:      maxAttempts,
		cooldown: cooldown,
		now:      time.Now,
	}
}

func key(projectID, userID string) string {
	return projectID + ":" + userID
}

// Locked returns the remaining cooldown, or zero if the pair may try again.
func (l *Lockout) Locked(projectID, userID string) time.Duration {
	if l.max <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(projectID, userID)
	e, ok := l.data[k]
	if !ok {
		return 0
	}
	now := l.now()
	if e.expired(now, l.cooldown) {
		delete(l.data, k)
		return 0
	}
	if left := e.lockedUntil.Sub(now); left > 0 {
		return left
	}
	return 0
}

// RecordFailure counts one wrong code and reports whether the pair is now locked.
func (l *Lockout) RecordFailure(projectID, userID string) bool {
	if l.max <= 0 {
		return false
	}
	k := key(projectID, userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	e := l.data[k]
	if e == nil {
		e = &entry{}
		l.data[k] = e
	}
	e.failures++
	e.lastFailure = now
	if e.failures >= l.max {
		e.lockedUntil = now.Add(l.cooldown)
		return true
	}
	return false
}

// prune drops every expired entry, so pairs that stop guessing do not stay
// in memory. Callers hold mu.
func (l *Lockout) prune(now time.Time) {
	for k, e := range l.data {
		if e.expired(now, l.cooldown) {
			delete(l.data, k)
		}
	}
}

func (l *Lockout) RecordSuccess(projectID, userID string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.data, key(projectID, userID))
}
