package storemgr

import (
	"fmt"
	"sort"

	"tabstore/internal/tabletnode/store"
)

// Partition covers the key range [PivotKey, next partition's PivotKey),
// or [PivotKey, +inf) for the last partition, and owns the chunk stores
// flushed from that range (spec §4.7 partition management).
type Partition struct {
	PivotKey store.RowKey
	Stores   []*store.ChunkStore
}

// Partitions returns a copy of the tablet's partitions in pivot-key order.
func (m *Manager) Partitions() []*Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Partition, len(m.partitions))
	copy(out, m.partitions)
	return out
}

// AddChunkStore attaches a freshly flushed chunk store to the partition
// whose range contains its minimum key.
func (m *Manager) AddChunkStore(cs *store.ChunkStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	minKey, _ := cs.KeyRange()
	idx := m.partitionIndexForKeyLocked(minKey)
	if idx < 0 {
		return fmt.Errorf("storemgr: no partition covers key %q", minKey)
	}
	m.partitions[idx].Stores = append(m.partitions[idx].Stores, cs)
	return nil
}

func (m *Manager) partitionIndexForKeyLocked(key store.RowKey) int {
	idx := sort.Search(len(m.partitions), func(i int) bool { return m.partitions[i].PivotKey > key }) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.partitions) {
		return -1
	}
	return idx
}

// SplitPartition splits the partition at index into len(keys)+1 new
// partitions at the given internal boundary keys (spec §4.7:
// "SplitPartition(index, keys) produces new partitions at the given
// internal boundary keys"). Applied on the automaton invoker as a
// mutation, like Rotate.
func (m *Manager) SplitPartition(index int, keys []store.RowKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.partitions) {
		return fmt.Errorf("storemgr: partition index %d out of range", index)
	}
	if len(keys) == 0 {
		return fmt.Errorf("storemgr: SplitPartition requires at least one boundary key")
	}

	orig := m.partitions[index]
	fresh := make([]*Partition, 0, len(keys)+1)
	fresh = append(fresh, &Partition{PivotKey: orig.PivotKey})
	for _, k := range keys {
		fresh = append(fresh, &Partition{PivotKey: k})
	}
	for _, cs := range orig.Stores {
		minKey, _ := cs.KeyRange()
		target := fresh[0]
		for _, p := range fresh {
			if p.PivotKey <= minKey {
				target = p
			}
		}
		target.Stores = append(target.Stores, cs)
	}

	next := make([]*Partition, 0, len(m.partitions)+len(keys))
	next = append(next, m.partitions[:index]...)
	next = append(next, fresh...)
	next = append(next, m.partitions[index+1:]...)
	m.partitions = next
	return nil
}

// MergePartitions collapses partitions [first, last] into a single
// partition starting at m.partitions[first].PivotKey (spec §4.7:
// "MergePartitions(first, last) collapses a range").
func (m *Manager) MergePartitions(first, last int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if first < 0 || last >= len(m.partitions) || first > last {
		return fmt.Errorf("storemgr: invalid partition range [%d, %d]", first, last)
	}

	merged := &Partition{PivotKey: m.partitions[first].PivotKey}
	for i := first; i <= last; i++ {
		merged.Stores = append(merged.Stores, m.partitions[i].Stores...)
	}

	next := make([]*Partition, 0, len(m.partitions)-(last-first))
	next = append(next, m.partitions[:first]...)
	next = append(next, merged)
	next = append(next, m.partitions[last+1:]...)
	m.partitions = next
	return nil
}
