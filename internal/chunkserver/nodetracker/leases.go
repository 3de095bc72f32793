// Package nodetracker implements the node lease tracker (spec §4.5): a
// per-node TTL'd liveness state machine driven by heartbeats, owned
// exclusively by the acting leader.
package nodetracker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunkserver"
)

// Timeouts configures the state-dependent lease durations of spec §4.5:
// an unconfirmed/just-registered node gets a shorter grace period than
// one that has reached Online.
type Timeouts struct {
	Unconfirmed time.Duration
	Registered  time.Duration
	Online      time.Duration
}

// DefaultTimeouts mirrors the teacher's conservative heartbeat-interval
// multiples.
var DefaultTimeouts = Timeouts{
	Unconfirmed: 5 * time.Second,
	Registered:  15 * time.Second,
	Online:      60 * time.Second,
}

// Mutator applies the master mutation that unregisters a node whose
// lease expired, so the lease tracker stays decoupled from the
// replicated-state-machine wiring (spec §5: mutations are the only way
// master state changes).
type Mutator interface {
	UnregisterNode(id uuid.UUID) error
}

type lease struct {
	expires time.Time
}

// Tracker owns per-node lease expiry. It is only ever driven while the
// local master replica holds leadership (spec §4.5: "lease state is
// leader-local and discarded, not replicated, on leadership change").
type Tracker struct {
	mu       sync.Mutex
	timeouts Timeouts
	leases   map[uuid.UUID]*lease
	registry *chunkserver.Registry
	mutator  Mutator
	now      func() time.Time
}

func NewTracker(registry *chunkserver.Registry, mutator Mutator, timeouts Timeouts) *Tracker {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts
	}
	return &Tracker{
		timeouts: timeouts,
		leases:   make(map[uuid.UUID]*lease),
		registry: registry,
		mutator:  mutator,
		now:      time.Now,
	}
}

// timeoutFor returns the lease duration appropriate to a node's current
// heartbeat state.
func (tr *Tracker) timeoutFor(s chunkserver.HeartbeatState) time.Duration {
	switch s {
	case chunkserver.NodeOnline:
		return tr.timeouts.Online
	case chunkserver.NodeRegistered:
		return tr.timeouts.Registered
	default:
		return tr.timeouts.Unconfirmed
	}
}

// Renew resets a node's lease on receipt of a heartbeat (spec §4.5).
func (tr *Tracker) Renew(id uuid.UUID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n, ok := tr.registry.Get(id)
	if !ok {
		return
	}
	tr.leases[id] = &lease{expires: tr.now().Add(tr.timeoutFor(n.State()))}
}

// Drop removes a node's lease (e.g. on explicit unregistration).
func (tr *Tracker) Drop(id uuid.UUID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.leases, id)
}

// Sweep scans all tracked leases, unregistering any node whose lease has
// expired (spec §4.5: "a missed lease is reported to the state machine
// as an UnregisterNode mutation"). Returns the ids that were swept.
func (tr *Tracker) Sweep() []uuid.UUID {
	tr.mu.Lock()
	now := tr.now()
	var expired []uuid.UUID
	for id, l := range tr.leases {
		if now.After(l.expires) {
			expired = append(expired, id)
			delete(tr.leases, id)
		}
	}
	tr.mu.Unlock()

	var swept []uuid.UUID
	for _, id := range expired {
		if err := tr.mutator.UnregisterNode(id); err == nil {
			swept = append(swept, id)
		}
	}
	return swept
}

// SetClock overrides the tracker's time source; test-only hook.
func (tr *Tracker) SetClock(now func() time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.now = now
}

// Active reports whether a node currently holds a live lease.
func (tr *Tracker) Active(id uuid.UUID) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	l, ok := tr.leases[id]
	if !ok {
		return false
	}
	return !tr.now().After(l.expires)
}
