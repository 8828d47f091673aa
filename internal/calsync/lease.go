package calsync

import (
	"sync"
	"time"
)

// RunLeases enforces the one-sync-run-per-user invariant in a single
// process: a lease is held for the duration of a run, and a second
// acquisition for the same user is rejected rather than queued. The TTL is a
// backstop against a crashed holder that never released.
type RunLeases struct {
	mu   sync.Mutex
	held map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewRunLeases(ttl time.Duration) *RunLeases {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunLeases{
		held: map[string]time.Time{},
		ttl:  ttl,
		now:  time.Now,
	}
}

// Acquire takes the user's lease, returning false if a live lease exists.
func (l *RunLeases) Acquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, expiresAt := range l.held {
		if !now.Before(expiresAt) {
			delete(l.held, key)
		}
	}
	if expiresAt, ok := l.held[userID]; ok && now.Before(expiresAt) {
		return false
	}
	l.held[userID] = now.Add(l.ttl)
	return true
}

func (l *RunLeases) Release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, userID)
}
