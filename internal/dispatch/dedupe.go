package dispatch

import (
	"context"
	"sync"
	"time"
)

// dedupeEntry tracks one signal's outcome. done is closed once the outcome is
// published, so concurrent duplicates can wait for it instead of re-executing.
type dedupeEntry struct {
	done   chan struct{}
	result *Result
	err    error
	at     time.Time
}

// wait blocks until the entry's outcome is published or ctx expires.
func (e *dedupeEntry) wait(ctx context.Context) (*Result, error, bool) {
	select {
	case <-e.done:
		return e.result, e.err, true
	case <-ctx.Done():
		return nil, nil, false
	}
}

// dedupeWindow remembers signal outcomes per (account, correlation id) for a
// bounded window. A key is reserved before processing starts, so a duplicate
// arriving mid-flight waits for the original instead of running twice.
// In-memory only; a restart forgets history, which is acceptable because the
// webhook source retries within seconds.
type dedupeWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*dedupeEntry
}

func newDedupeWindow(ttl time.Duration) *dedupeWindow {
	return &dedupeWindow{
		ttl:     ttl,
		entries: make(map[string]*dedupeEntry),
	}
}

func dedupeKey(accountID, correlationID string) string {
	return accountID + "\x00" + correlationID
}

// begin reserves the key. The second return is true when the caller owns
// processing and must later call complete or abort; false means the key is
// already held and the caller should wait on the returned entry.
func (w *dedupeWindow) begin(accountID, correlationID string) (*dedupeEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked()
	key := dedupeKey(accountID, correlationID)
	if e, ok := w.entries[key]; ok {
		return e, false
	}
	e := &dedupeEntry{done: make(chan struct{}), at: time.Now()}
	w.entries[key] = e
	return e, true
}

// complete publishes the outcome and wakes any waiting duplicates. The entry
// stays in the window for replay until the TTL expires.
func (w *dedupeWindow) complete(accountID, correlationID string, result *Result, err error) {
	w.mu.Lock()
	e, ok := w.entries[dedupeKey(accountID, correlationID)]
	if ok {
		e.result = result
		e.err = err
		e.at = time.Now()
	}
	w.mu.Unlock()
	if ok {
		close(e.done)
	}
}

// abort publishes a failure and drops the key so a later retry runs fresh.
// Used when the signal never reached a worker (full mailbox, stopped
// dispatcher).
func (w *dedupeWindow) abort(accountID, correlationID string, err error) {
	w.mu.Lock()
	key := dedupeKey(accountID, correlationID)
	e, ok := w.entries[key]
	if ok {
		e.err = err
		delete(w.entries, key)
	}
	w.mu.Unlock()
	if ok {
		close(e.done)
	}
}

// pruneLocked drops expired completed entries. In-flight entries are kept
// regardless of age; their owner will complete or abort them.
func (w *dedupeWindow) pruneLocked() {
	cutoff := time.Now().Add(-w.ttl)
	for k, e := range w.entries {
		select {
		case <-e.done:
			if e.at.Before(cutoff) {
				delete(w.entries, k)
			}
		default:
		}
	}
}
