// Package pipeline provides the in-pipeline admission index: the set of
// messages currently owned by the router, keyed so a redelivered message is
// recognized and not resubmitted.
package pipeline

import (
	"sync"
	"time"
)

// entry is the admitted value stored per pipeline key, plus the timestamp
// used by Sweep to find entries stuck past their TTL.
type entry struct {
	value    any
	admitted time.Time
	appID    string
}

// Index deduplicates admission by two identifiers: a broker message ID
// (present whenever the source queue provides one) and an application
// message ID. A message redelivered under the same broker ID is recognized
// as already-owned and rejected; the same application ID arriving under a
// new broker ID (an external requeue) is also recognized, so the caller can
// ack the duplicate immediately instead of resubmitting it.
type Index struct {
	byKey sync.Map // map[string]*entry, keyed by broker ID or, if empty, app ID
	byApp sync.Map // map[string]string, app ID -> pipeline key
}

// New returns an empty Index.
func New() *Index {
	return &Index{}
}

// key picks the pipeline key for a message: the broker ID when present,
// falling back to the application ID for sources with no broker ID.
func key(brokerID, appID string) string {
	if brokerID != "" {
		return brokerID
	}
	return appID
}

// Admit attempts to register (brokerID, appID, value) as newly in-pipeline.
// It returns (true, nil) on success. It returns (false, nil) when the exact
// pipeline key is already present (broker-level redelivery). It returns
// (false, existing) when the application ID is already registered under a
// different pipeline key (external requeue) — the caller should treat this
// as a duplicate to acknowledge immediately, not resubmit.
func (idx *Index) Admit(brokerID, appID string, value any) (admitted bool, existingAppDuplicate any) {
	k := key(brokerID, appID)

	if _, exists := idx.byKey.Load(k); exists {
		return false, nil
	}

	if existingKey, exists := idx.byApp.Load(appID); exists && existingKey.(string) != k {
		if existing, ok := idx.byKey.Load(existingKey); ok {
			return false, existing.(*entry).value
		}
	}

	idx.byKey.Store(k, &entry{value: value, admitted: time.Now(), appID: appID})
	idx.byApp.Store(appID, k)
	return true, nil
}

// Lookup returns the value admitted under the given application ID, if any.
func (idx *Index) Lookup(appID string) (any, bool) {
	k, exists := idx.byApp.Load(appID)
	if !exists {
		return nil, false
	}
	e, exists := idx.byKey.Load(k)
	if !exists {
		return nil, false
	}
	return e.(*entry).value, true
}

// Release removes the pipeline entry for (brokerID, appID). It is a no-op
// if the entry is already gone.
func (idx *Index) Release(brokerID, appID string) {
	k := key(brokerID, appID)
	idx.byKey.Delete(k)
	idx.byApp.Delete(appID)
}

// Count returns the number of messages currently admitted.
func (idx *Index) Count() int {
	n := 0
	idx.byKey.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes every entry admitted more than ttl ago and returns the
// application IDs it removed, so the caller can log or alert on entries
// that were never released (stuck messages, a sign of a lost ack/nack).
func (idx *Index) Sweep(ttl time.Duration) []string {
	now := time.Now()
	var staleKeys []string
	var staleApps []string

	idx.byKey.Range(func(k, v any) bool {
		e := v.(*entry)
		if now.Sub(e.admitted) > ttl {
			staleKeys = append(staleKeys, k.(string))
			staleApps = append(staleApps, e.appID)
		}
		return true
	})

	for i, k := range staleKeys {
		idx.byKey.Delete(k)
		idx.byApp.Delete(staleApps[i])
	}
	return staleApps
}
