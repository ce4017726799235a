// Package dedup suppresses repeated handler invocations for messages a broker
// redelivers shortly after they were first seen.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultMaxEntries is the size past which old entries are evicted.
	DefaultMaxEntries = 100000
	// DefaultTTL is the age after which an entry may be evicted.
	DefaultTTL = 60 * time.Second
)

type key struct {
	messageUUID string
	handler     string
}

type record struct {
	key key
	at  time.Time
}

// Ledger remembers (message uuid, handler) pairs. It is safe for concurrent
// use by every consumer loop of a service.
type Ledger struct {
	mu   sync.Mutex
	seen map[key]time.Time
	// order holds claims oldest first from head on. Records whose pair was
	// forgotten or claimed again are stale and skipped on eviction.
	order      []record
	head       int
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type Option func(*Ledger)

func WithMaxEntries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		seen:       make(map[key]time.Time),
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Claim records the pair as seen and reports true, or reports false when the
// pair was already recorded. Exactly one of several concurrent Claims for the
// same pair wins.
func (l *Ledger) Claim(messageUUID, handler string) bool {
	k := key{messageUUID: messageUUID, handler: handler}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[k]; ok {
		return false
	}
	now := l.now()
	l.seen[k] = now
	l.order = append(l.order, record{key: k, at: now})
	if len(l.seen) > l.maxEntries || len(l.order)-l.head > 2*l.maxEntries {
		l.evictLocked(now)
	}
	return true
}

// Seen reports whether the pair is recorded.
func (l *Ledger) Seen(messageUUID, handler string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key{messageUUID: messageUUID, handler: handler}]
	return ok
}

// Forget removes the pair so a legitimate redelivery runs the handler again.
func (l *Ledger) Forget(messageUUID, handler string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, key{messageUUID: messageUUID, handler: handler})
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// evictLocked drops expired claims from the head of the order queue. It stops
// at the first claim younger than the ttl, so a full ledger of fresh entries
// costs nothing per Claim.
func (l *Ledger) evictLocked(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for l.head < len(l.order) {
		r := l.order[l.head]
		if !r.at.Before(cutoff) {
			break
		}
		if at, ok := l.seen[r.key]; ok && at.Equal(r.at) {
			delete(l.seen, r.key)
		}
		l.order[l.head] = record{}
		l.head++
	}
	if l.head > len(l.order)/2 {
		l.order = append(l.order[:0:0], l.order[l.head:]...)
		l.head = 0
	}
}
