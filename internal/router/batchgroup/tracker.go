// Package batchgroup tracks, per pool, which (batchId, messageGroupId) pairs
// have already been marked failed so the rest of that pair's
// in-flight messages can be nacked without further mediation, preserving
// FIFO ordering within the pair.
package batchgroup

import (
	"sync"
	"sync/atomic"
)

// Key identifies one (batchId, messageGroupId) pair. The empty key ("") is
// never tracked: messages with no batchId are not part of any batch.
type Key string

// NewKey builds the tracking key for a batch id and group id. Callers pass
// an empty batchID when the message does not belong to a batch; NewKey
// returns "" in that case, signaling "do not track this message".
func NewKey(batchID, groupID string) Key {
	if batchID == "" {
		return ""
	}
	return Key(batchID + "|" + groupID)
}

// Tracker is safe for concurrent use by many group goroutines within one
// pool.
type Tracker struct {
	failed sync.Map // map[Key]struct{}
	counts sync.Map // map[Key]*atomic.Int32
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Register records that one more message belonging to key has been
// admitted to the pool. Callers must pair every Register with exactly one
// later Release for the same key.
func (t *Tracker) Register(key Key) {
	if key == "" {
		return
	}
	counter, _ := t.counts.LoadOrStore(key, &atomic.Int32{})
	counter.(*atomic.Int32).Add(1)
}

// Failed reports whether key has been marked failed.
func (t *Tracker) Failed(key Key) bool {
	if key == "" {
		return false
	}
	_, failed := t.failed.Load(key)
	return failed
}

// MarkFailed records that a message belonging to key has failed; subsequent
// Failed calls for the same key return true until the last Release clears
// it.
func (t *Tracker) MarkFailed(key Key) {
	if key == "" {
		return
	}
	t.failed.Store(key, struct{}{})
}

// Release records that one message belonging to key has left the pool
// (acked, nacked, or rejected before admission). Once every message
// registered under key has been released, the tracker forgets key
// entirely — including clearing any failed mark — so a batchId can be
// reused by an unrelated later batch without leaking state.
func (t *Tracker) Release(key Key) {
	if key == "" {
		return
	}
	counterIface, ok := t.counts.Load(key)
	if !ok {
		return
	}
	counter := counterIface.(*atomic.Int32)
	if counter.Add(-1) <= 0 {
		t.counts.Delete(key)
		t.failed.Delete(key)
	}
}
