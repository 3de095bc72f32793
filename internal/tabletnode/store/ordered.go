package store

import (
	"sync"

	"github.com/google/uuid"
)

// OrderedRow is one row of an OrderedDynamicStore: an append-only log
// entry addressed by its absolute tablet-wide row index.
type OrderedRow struct {
	Index     int64
	Values    map[string]any
	Timestamp Timestamp
}

// OrderedDynamicStore is the append-only analogue of SortedDynamicStore
// for ordered (queue-like) tablets: rows are never updated in place, only
// appended and, eventually, trimmed from the front (spec §4.7 ordered
// write path; §4.8 trimmer). Go's slice append already grows by doubling,
// which is the capacity-doubling behavior the original's row segments
// implement explicitly.
type OrderedDynamicStore struct {
	ID uuid.UUID

	mu            sync.RWMutex
	rows          []OrderedRow
	startRowIndex int64 // index of rows[0] in tablet-wide numbering, advances on trim
}

// NewOrderedDynamicStore creates an empty ordered store.
func NewOrderedDynamicStore(id uuid.UUID) *OrderedDynamicStore {
	return &OrderedDynamicStore{ID: id}
}

// AppendRow appends values as a new row, stamping ts as its commit
// timestamp when withTimestamp is set (the tablet schema defines a
// timestamp column), and returns the row's absolute index.
func (s *OrderedDynamicStore) AppendRow(values map[string]any, withTimestamp bool, ts Timestamp) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.startRowIndex + int64(len(s.rows))
	row := OrderedRow{Index: idx, Values: values}
	if withTimestamp {
		row.Timestamp = ts
	}
	s.rows = append(s.rows, row)
	return idx
}

// RowCount returns the number of rows currently retained (post-trim).
func (s *OrderedDynamicStore) RowCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows))
}

// StartRowIndex returns the tablet-wide index of the oldest retained row.
func (s *OrderedDynamicStore) StartRowIndex() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startRowIndex
}

// RowsRange returns rows with absolute index in [from, to), clipped to
// what is currently retained.
func (s *OrderedDynamicStore) RowsRange(from, to int64) []OrderedRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo := from - s.startRowIndex
	hi := to - s.startRowIndex
	if lo < 0 {
		lo = 0
	}
	if hi > int64(len(s.rows)) {
		hi = int64(len(s.rows))
	}
	if lo >= hi {
		return nil
	}
	out := make([]OrderedRow, hi-lo)
	copy(out, s.rows[lo:hi])
	return out
}

// TrimPrefix drops every row with index < upTo, used by the trimmer to
// enforce retention on ordered tablets (spec §4.8).
func (s *OrderedDynamicStore) TrimPrefix(upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo <= s.startRowIndex {
		return
	}
	cut := upTo - s.startRowIndex
	if cut > int64(len(s.rows)) {
		cut = int64(len(s.rows))
	}
	s.rows = append([]OrderedRow{}, s.rows[cut:]...)
	s.startRowIndex += cut
}
