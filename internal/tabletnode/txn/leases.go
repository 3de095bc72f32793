package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LeaseTimeout is how long a transaction's lease survives without a
// ping before it is considered expired (spec §4.9: "Each non-foreign
// transaction has a lease tracked by a lease tracker; expiration
// triggers an abort mutation").
const LeaseTimeout = 20 * time.Second

// AbortProposer proposes an AbortTransaction mutation for a
// lease-expired transaction; only the leader runs the sweep that calls
// this (spec §4.9: "Leases are owned only by the leader").
type AbortProposer interface {
	ProposeAbort(id uuid.UUID) error
}

// LeaseTracker tracks expiry for every non-foreign transaction's lease,
// generalized from internal/chunkserver/nodetracker's node lease tracker
// (the shape — a map of id to deadline, a clock seam for tests, a Sweep
// that reports expired ids — is identical; only the unit being leased
// changes from storage node to transaction).
type LeaseTracker struct {
	mu      sync.Mutex
	clock   func() time.Time
	leases  map[uuid.UUID]time.Time
	timeout time.Duration
}

// NewLeaseTracker creates a tracker using the given timeout (LeaseTimeout
// if zero).
func NewLeaseTracker(timeout time.Duration) *LeaseTracker {
	if timeout <= 0 {
		timeout = LeaseTimeout
	}
	return &LeaseTracker{
		clock:   time.Now,
		leases:  make(map[uuid.UUID]time.Time),
		timeout: timeout,
	}
}

// SetClock overrides the tracker's time source; test-only hook.
func (lt *LeaseTracker) SetClock(now func() time.Time) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.clock = now
}

// Renew (re)starts id's lease, extending it by the tracker's timeout.
// Called on transaction start and on every lease ping.
func (lt *LeaseTracker) Renew(id uuid.UUID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.leases[id] = lt.clock().Add(lt.timeout)
}

// Close removes id's lease (commit or abort resolves the transaction).
func (lt *LeaseTracker) Close(id uuid.UUID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.leases, id)
}

// Sweep returns every transaction id whose lease has expired as of now,
// removing them from the tracker. The caller (leader only) is expected
// to propose an abort mutation for each.
func (lt *LeaseTracker) Sweep() []uuid.UUID {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	now := lt.clock()
	var expired []uuid.UUID
	for id, deadline := range lt.leases {
		if now.After(deadline) {
			expired = append(expired, id)
			delete(lt.leases, id)
		}
	}
	return expired
}
