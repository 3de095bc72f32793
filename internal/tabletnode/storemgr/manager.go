// Package storemgr owns a tablet's stores and partitions and routes
// every read and write to them, deciding when to rotate the active store
// (spec §4.7, grounded on original_source's tablet_manager.cpp store and
// partition bookkeeping).
package storemgr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/logging"
	"tabstore/internal/tabletnode/store"
)

// Kind distinguishes a tablet's write path: sorted tablets key rows by a
// user schema's key columns, ordered tablets are append-only queues.
type Kind int

const (
	KindSorted Kind = iota
	KindOrdered
)

// Manager owns one tablet's in-memory write buffer (the active store),
// its frozen-but-not-yet-flushed passive stores, and its chunk-backed
// partitions.
type Manager struct {
	TabletID uuid.UUID
	Kind     Kind

	logger *slog.Logger

	mu sync.RWMutex

	activeSorted  *store.SortedDynamicStore
	activeOrdered *store.OrderedDynamicStore
	passive       []*store.SortedDynamicStore

	partitions []*Partition

	rotation        RotationPolicy
	lastRotation    time.Time
	rotationPending bool
}

// New creates a store manager for a tablet, already holding a fresh
// active store of the configured kind.
func New(tabletID uuid.UUID, kind Kind, rotation RotationPolicy, logger *slog.Logger) *Manager {
	logger = logging.Default(logger).With("component", "storemgr", "tablet", tabletID)
	m := &Manager{
		TabletID: tabletID,
		Kind:     kind,
		logger:   logger,
		rotation: rotation,
		partitions: []*Partition{
			{PivotKey: ""}, // the single full-range partition every new sorted tablet starts with
		},
	}
	switch kind {
	case KindSorted:
		m.activeSorted = store.NewSortedDynamicStore(uuid.New())
	case KindOrdered:
		m.activeOrdered = store.NewOrderedDynamicStore(uuid.New())
	}
	return m
}

// ActiveSorted returns the tablet's current active sorted store, or nil
// if the tablet is ordered.
func (m *Manager) ActiveSorted() *store.SortedDynamicStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSorted
}

// ActiveOrdered returns the tablet's current active ordered store, or nil
// if the tablet is sorted.
func (m *Manager) ActiveOrdered() *store.OrderedDynamicStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeOrdered
}

// PassiveStores returns the stores frozen by rotation that have not yet
// been flushed to a chunk.
func (m *Manager) PassiveStores() []*store.SortedDynamicStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.SortedDynamicStore, len(m.passive))
	copy(out, m.passive)
	return out
}

// WriteSorted routes a single row write/delete through the active sorted
// store (spec §4.7 write path, step 1-3). The caller is responsible for
// schema/key validation before calling this (out of this package's
// scope: spec's Non-goals exclude the query/schema layer).
func (m *Manager) WriteSorted(txn *store.TxnContext, key store.RowKey, values map[string]any, commitTimestamp store.Timestamp, lockMask uint32, deleted bool) (*store.Row, error) {
	m.mu.RLock()
	active := m.activeSorted
	m.mu.RUnlock()
	if active == nil {
		return nil, fmt.Errorf("storemgr: tablet %s is not a sorted tablet", m.TabletID)
	}
	if deleted {
		return active.DeleteRow(txn, key, commitTimestamp)
	}
	return active.WriteRow(txn, key, values, commitTimestamp, lockMask)
}

// WriteOrdered appends a row to the active ordered store (spec §4.7
// ordered write path).
func (m *Manager) WriteOrdered(values map[string]any, withTimestamp bool, ts store.Timestamp) (int64, error) {
	m.mu.RLock()
	active := m.activeOrdered
	m.mu.RUnlock()
	if active == nil {
		return 0, fmt.Errorf("storemgr: tablet %s is not an ordered tablet", m.TabletID)
	}
	return active.AppendRow(values, withTimestamp, ts), nil
}

// Lookup resolves key as of ts by checking, newest first, the active
// store, every passive store, and every partition chunk store covering
// the key, returning the first live (non-deleted) value found (spec
// §4.7 lookup path, simplified: a real row merger reconciles column-level
// fragments across stores; this module's schema layer is out of scope
// per spec's Non-goals, so lookups resolve whole-row values instead).
func (m *Manager) Lookup(key store.RowKey, ts store.Timestamp) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeSorted != nil {
		if row, ok := m.activeSorted.FindRow(key); ok {
			if v, ok := row.ValueAt(m.activeSorted, ts); ok {
				return v, true
			}
			if row.Deleted() {
				return nil, false
			}
		}
	}
	for i := len(m.passive) - 1; i >= 0; i-- {
		s := m.passive[i]
		if row, ok := s.FindRow(key); ok {
			if v, ok := row.ValueAt(s, ts); ok {
				return v, true
			}
			if row.Deleted() {
				return nil, false
			}
		}
	}
	for _, p := range m.partitions {
		for i := len(p.Stores) - 1; i >= 0; i-- {
			cs := p.Stores[i]
			if !cs.CoversKey(key) {
				continue
			}
			if backing, ok := cs.Backing(); ok {
				if row, ok := backing.FindRow(key); ok {
					if v, ok := row.ValueAt(backing, ts); ok {
						return v, true
					}
				}
			}
			// Without a backing store or a resident lookup table the chunk
			// itself must be read, which is node-to-node chunk I/O: an
			// external interface per spec §6, left to the caller.
		}
	}
	return nil, false
}
