// Package cachelock provides per-key mutual exclusion for origin fetches.
//
// The first caller to ask for a key becomes the holder and is expected to
// perform the fetch. Later callers become waiters and block until the holder
// reports an outcome, their own wait timeout fires, or the lock's max
// lifetime expires. A waiter that stops waiting fetches on its own without
// disturbing the holder.
package cachelock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is what a waiter learns about the fetch it was waiting on.
type Outcome int

const (
	// Found means the holder admitted a response. The waiter should look
	// the object up again and read from it.
	Found Outcome = iota
	// Uncacheable means the holder's response could not be stored.
	// The waiter must fetch for itself.
	Uncacheable
	// FetchError means the holder's fetch failed outright.
	// The waiter must fetch for itself.
	FetchError
	// WaitTimedOut means the waiter's own timeout fired first.
	// The holder keeps going, the waiter fetches for itself.
	WaitTimedOut
	// Expired means the lock outlived its max lifetime.
	// All waiters fetch for themselves.
	Expired
	// Canceled means the waiter's context was done before any outcome.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Uncacheable:
		return "uncacheable"
	case FetchError:
		return "fetch-error"
	case WaitTimedOut:
		return "wait-timeout"
	case Expired:
		return "expired"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

type lockEntry struct {
	holderID string
	created  time.Time
	waiters  []chan Outcome
	expiry   *time.Timer
}

// Manager tracks in-flight fetches by key.
type Manager struct {
	mu          sync.Mutex
	locks       map[string]*lockEntry
	uncacheable map[string]time.Time

	// MaxLifetime bounds how long a lock may exist before all waiters
	// are released, protecting against holders that never finish.
	MaxLifetime time.Duration
	// UncacheableFor is how long a key stays on the uncacheable
	// fast path after a holder reports an uncacheable response.
	UncacheableFor time.Duration
}

// NewManager creates a manager with the given lock max lifetime and
// uncacheable fast path duration.
func NewManager(maxLifetime, uncacheableFor time.Duration) *Manager {
	return &Manager{
		locks:          make(map[string]*lockEntry),
		uncacheable:    make(map[string]time.Time),
		MaxLifetime:    maxLifetime,
		UncacheableFor: uncacheableFor,
	}
}

// Holder is the exclusive right to fetch a key from the origin.
// Exactly one of Holder or Waiter is returned by Acquire.
type Holder struct {
	m     *Manager
	key   string
	entry *lockEntry
	// ID identifies this fetch in logs.
	ID string
}

// Waiter is a handle for blocking on someone else's in-flight fetch.
type Waiter struct {
	ch chan Outcome
}

// Acquire either takes the lock for key or joins the queue behind the
// current holder. Exactly one return value is non-nil.
func (m *Manager) Acquire(key string) (*Holder, *Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.locks[key]; ok {
		ch := make(chan Outcome, 1)
		entry.waiters = append(entry.waiters, ch)
		return nil, &Waiter{ch: ch}
	}
	entry := &lockEntry{
		holderID: uuid.NewString(),
		created:  time.Now(),
	}
	if m.MaxLifetime > 0 {
		entry.expiry = time.AfterFunc(m.MaxLifetime, func() {
			m.expire(key, entry)
		})
	}
	m.locks[key] = entry
	return &Holder{m: m, key: key, entry: entry, ID: entry.holderID}, nil
}

// Finish reports the fetch outcome and releases all waiters in arrival
// order. Outcome must be Found, Uncacheable or FetchError. Finishing an
// already expired lock only discards the stale handle.
func (h *Holder) Finish(outcome Outcome) {
	h.m.mu.Lock()
	entry, ok := h.m.locks[h.key]
	if !ok || entry != h.entry {
		// expired under us, waiters are long gone
		h.m.mu.Unlock()
		return
	}
	delete(h.m.locks, h.key)
	if entry.expiry != nil {
		entry.expiry.Stop()
	}
	if outcome == Uncacheable && h.m.UncacheableFor > 0 {
		h.m.uncacheable[h.key] = time.Now().Add(h.m.UncacheableFor)
	}
	waiters := entry.waiters
	entry.waiters = nil
	h.m.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
}

// Wait blocks until the holder finishes, timeout elapses, the lock
// expires, or ctx is done. A zero timeout waits indefinitely.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) Outcome {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case outcome := <-w.ch:
		return outcome
	case <-timer:
		return WaitTimedOut
	case <-ctx.Done():
		return Canceled
	}
}

// expire runs when a lock hits its max lifetime.
func (m *Manager) expire(key string, entry *lockEntry) {
	m.mu.Lock()
	current, ok := m.locks[key]
	if !ok || current != entry {
		m.mu.Unlock()
		return
	}
	delete(m.locks, key)
	waiters := entry.waiters
	entry.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- Expired
	}
}

// TryAcquire takes the lock for key only if nobody holds it, without
// ever queuing. Background refreshers use this so a refresh already in
// flight is simply skipped.
func (m *Manager) TryAcquire(key string) *Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[key]; ok {
		return nil
	}
	entry := &lockEntry{
		holderID: uuid.NewString(),
		created:  time.Now(),
	}
	if m.MaxLifetime > 0 {
		entry.expiry = time.AfterFunc(m.MaxLifetime, func() {
			m.expire(key, entry)
		})
	}
	m.locks[key] = entry
	return &Holder{m: m, key: key, entry: entry, ID: entry.holderID}
}

// MarkUncacheable puts key on the uncacheable fast path outside of a
// Finish call, for responses whose uncacheability only shows mid-body.
func (m *Manager) MarkUncacheable(key string) {
	if m.UncacheableFor <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uncacheable[key] = time.Now().Add(m.UncacheableFor)
}

// IsUncacheable reports whether key is on the uncacheable fast path,
// meaning a recent fetch produced a response that could not be stored.
// Callers should skip the lock entirely for such keys.
func (m *Manager) IsUncacheable(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.uncacheable[key]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.uncacheable, key)
		return false
	}
	return true
}

// ForgetUncacheable drops the uncacheable fast path for all keys with
// the given prefix, for example after a purge.
func (m *Manager) ForgetUncacheable(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.uncacheable {
		if strings.HasPrefix(key, prefix) {
			delete(m.uncacheable, key)
		}
	}
}

// Pending reports how many locks are currently held, for tests and
// introspection.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
