package storemgr

import (
	"time"

	"github.com/google/uuid"

	"tabstore/internal/tabletnode/store"
)

// RotationPolicy configures when a tablet's active store should be
// rotated into a passive one (spec §4.7: "Conditions: overflow ..,
// periodic .., forced ..").
type RotationPolicy struct {
	MaxActiveStoreRows int // overflow threshold; 0 disables the overflow check
	Period             time.Duration
}

// DefaultRotationPolicy mirrors reasonable defaults for a small tablet
// cell: rotate 10 minutes after the previous rotation or after 100k rows,
// whichever comes first. The periodic check applies only once the
// manager has rotated at least once.
var DefaultRotationPolicy = RotationPolicy{
	MaxActiveStoreRows: 100_000,
	Period:             10 * time.Minute,
}

// ShouldRotate reports whether the active store should be frozen, and
// why, given forced (externally signaled write pressure). A
// rotation-scheduled flag (m.rotationPending) prevents posting a second
// rotation mutation while one is already in flight, per spec §4.7.
func (m *Manager) ShouldRotate(now time.Time, forced bool) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.rotationPending {
		return false, ""
	}
	if forced {
		return true, "forced"
	}
	if m.rotation.MaxActiveStoreRows > 0 {
		var rows int
		if m.activeSorted != nil {
			rows = m.activeSorted.RowCount()
		} else if m.activeOrdered != nil {
			rows = int(m.activeOrdered.RowCount())
		}
		if rows >= m.rotation.MaxActiveStoreRows {
			return true, "overflow"
		}
	}
	if m.rotation.Period > 0 && !m.lastRotation.IsZero() && now.Sub(m.lastRotation) >= m.rotation.Period {
		return true, "periodic"
	}
	return false, ""
}

// MarkRotationPending flags that a rotation mutation has been submitted
// but not yet applied, so ShouldRotate does not request a duplicate.
func (m *Manager) MarkRotationPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotationPending = true
}

// Rotate freezes the active store into the passive list and allocates a
// fresh active store with a new store id. Called from the mutation
// handler that applies a rotation mutation, i.e. on the automaton
// invoker (spec §4.7: "on apply, freezes the current active store into
// PassiveDynamic and allocates a fresh Active with a new store id").
func (m *Manager) Rotate(now time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	newID := uuid.New()
	switch m.Kind {
	case KindSorted:
		if m.activeSorted != nil {
			m.passive = append(m.passive, m.activeSorted)
		}
		m.activeSorted = store.NewSortedDynamicStore(newID)
	case KindOrdered:
		// Ordered tablets never freeze a passive copy: the active ordered
		// store is flushed and trimmed in place rather than rotated.
	}
	m.lastRotation = now
	m.rotationPending = false
	return newID
}

// HeaviestPassiveStores returns the manager's passive stores sorted
// ascending by row count, for the flusher's forced-rotation draining pass
// (spec §4.8: "sorted ascending by size to drain many small ones first").
func (m *Manager) HeaviestPassiveStores() []*store.SortedDynamicStore {
	stores := m.PassiveStores()
	for i := 1; i < len(stores); i++ {
		for j := i; j > 0 && stores[j-1].RowCount() > stores[j].RowCount(); j-- {
			stores[j-1], stores[j] = stores[j], stores[j-1]
		}
	}
	return stores
}

// RemovePassiveStore drops s from the passive list once it has been
// flushed to a chunk.
func (m *Manager) RemovePassiveStore(s *store.SortedDynamicStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.passive {
		if p == s {
			m.passive = append(m.passive[:i], m.passive[i+1:]...)
			return
		}
	}
}
