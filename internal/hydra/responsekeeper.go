package hydra

import (
	"sync"
	"time"

	"tabstore/internal/mutation"
)

// ResponseKeeper deduplicates mutations by MutationID so a client's
// retried Apply (after a timeout with an uncertain outcome) observes
// the original result instead of re-running the mutation a second time
// (spec SUPPLEMENTED FEATURES: response keeper / mutation dedup,
// grounded on original_source's response-keeper pattern for idempotent
// retried writes). Ported from the teacher's callgroup.Group, adapted
// from "collapse concurrent calls for the same key" to "remember a
// completed call's result for a retention window so a later retry with
// the same key short-circuits to the cached result" — callgroup itself
// only deduplicates calls that overlap in time, which isn't enough here
// since a client's retry typically arrives after the first Apply's
// result is already known.
type ResponseKeeper struct {
	mu        sync.Mutex
	inflight  map[string]*call
	completed map[string]cached
	retention time.Duration
	now       func() time.Time
}

type call struct {
	done chan struct{}
	err  error
}

type cached struct {
	err    error
	at     time.Time
}

func NewResponseKeeper(retention time.Duration) *ResponseKeeper {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &ResponseKeeper{
		inflight:  make(map[string]*call),
		completed: make(map[string]cached),
		retention: retention,
		now:       time.Now,
	}
}

// Do runs fn for m's MutationID if this is the first time that id has
// been seen (and no identical call is already in flight), otherwise
// returns the cached or in-flight result without re-running fn.
func (k *ResponseKeeper) Do(m mutation.Mutation, fn func() error) error {
	k.mu.Lock()
	k.evictLocked()

	if c, ok := k.completed[m.MutationID]; ok {
		k.mu.Unlock()
		return c.err
	}
	if c, ok := k.inflight[m.MutationID]; ok {
		k.mu.Unlock()
		<-c.done
		return c.err
	}

	c := &call{done: make(chan struct{})}
	k.inflight[m.MutationID] = c
	k.mu.Unlock()

	err := fn()

	k.mu.Lock()
	c.err = err
	delete(k.inflight, m.MutationID)
	k.completed[m.MutationID] = cached{err: err, at: k.now()}
	k.mu.Unlock()
	close(c.done)

	return err
}

// evictLocked drops completed entries older than the retention window.
// Must be called with k.mu held.
func (k *ResponseKeeper) evictLocked() {
	cutoff := k.now().Add(-k.retention)
	for id, c := range k.completed {
		if c.at.Before(cutoff) {
			delete(k.completed, id)
		}
	}
}

// SetClock overrides the keeper's time source; test-only hook.
func (k *ResponseKeeper) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}
