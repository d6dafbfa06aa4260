// Package guard implements the broker's abuse throttling.
//
// Callers are counted per identity key inside fixed windows; once an
// identity exhausts its budget every further call in that window is
// rejected with the rate-limited taxonomy kind, and the identity recovers
// when the window resets. Identity keys are salted hashes, never raw
// account ids or addresses, so the guard's own state cannot be used to
// deanonymize callers.
//
// Two limiter implementations share one interface: an in-process
// fixed-window counter, and a Redis-backed counter for multi-instance
// deployments that falls back to the in-process one when Redis is
// unreachable.
package guard

import (
	"crypto/sha3"
	"encoding/hex"
	"sync"
	"time"
)

// Decision is the outcome of one counted attempt.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts an attempt against an identity key and decides it.
// Every call counts, including rejected ones; a failed request consumes
// exactly the single attempt it was counted as.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// IdentityKey derives the salted throttling identity for a caller. The
// same salt must be used for the process lifetime so windows aggregate.
func IdentityKey(salt []byte, parts ...string) string {
	h := sha3.New256()
	h.Write(salt)
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// InMemoryLimiter is a fixed-window counter. Expired windows are evicted
// on every call, keeping state bounded by the set of currently active
// identities.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewInMemory creates a limiter with the given window duration.
func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]windowEntry),
	}
}

// Allow counts one attempt for key against limit.
func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowEntry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) evictLocked(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
