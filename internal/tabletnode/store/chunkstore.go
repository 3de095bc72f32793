package store

import (
	"sync"

	"tabstore/internal/chunktree"
)

// ChunkStore is the read-only, chunk-backed counterpart of the dynamic
// stores above: it references a sealed, flushed chunk and caches the key
// and timestamp range the chunk covers so the lookup path can skip it
// cheaply without reading chunk meta (spec §4.7). Immediately after a
// flush it also carries a "backing" dynamic store so readers can keep
// serving from memory until the new chunk's replicas are acknowledged
// (spec §4.8: "backing-store-id for read-before-flush-ack").
type ChunkStore struct {
	ChunkID chunktree.ChunkID

	// SizeBytes is the chunk's on-disk size, used by the compactor to pick
	// small adjacent stores to merge (spec §4.8). NewChunkStore leaves it
	// zero; a creator may assign it right after construction, and it is
	// not changed afterwards, so it needs no lock.
	SizeBytes int64

	mu                         sync.RWMutex
	minKey, maxKey             RowKey
	minTimestamp, maxTimestamp Timestamp
	backing                    *SortedDynamicStore
	lookupTable                map[RowKey]int // key -> row-group offset, built by the in-memory preloader
}

// NewChunkStore creates a chunk store reference with the given key and
// timestamp range.
func NewChunkStore(id chunktree.ChunkID, minKey, maxKey RowKey, minTS, maxTS Timestamp) *ChunkStore {
	return &ChunkStore{
		ChunkID:      id,
		minKey:       minKey,
		maxKey:       maxKey,
		minTimestamp: minTS,
		maxTimestamp: maxTS,
	}
}

// KeyRange returns the chunk's covered key range.
func (c *ChunkStore) KeyRange() (RowKey, RowKey) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minKey, c.maxKey
}

// TimestampRange returns the chunk's covered timestamp range.
func (c *ChunkStore) TimestampRange() (Timestamp, Timestamp) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTimestamp, c.maxTimestamp
}

// CoversKey reports whether key falls within the chunk's key range.
func (c *ChunkStore) CoversKey(key RowKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return key >= c.minKey && key <= c.maxKey
}

// SetBacking installs s as the store to serve reads from until the flush
// that produced this chunk store is acknowledged by enough replicas.
func (c *ChunkStore) SetBacking(s *SortedDynamicStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing = s
}

// ClearBacking drops the backing store once the flush is acknowledged;
// subsequent reads fall through to the chunk itself.
func (c *ChunkStore) ClearBacking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing = nil
}

// Backing returns the chunk store's backing dynamic store, if any.
func (c *ChunkStore) Backing() (*SortedDynamicStore, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backing, c.backing != nil
}

// SetLookupTable installs a key-to-offset hash table built by the
// in-memory preloader after reading the chunk's blocks (spec §4.6).
func (c *ChunkStore) SetLookupTable(t map[RowKey]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupTable = t
}

// Lookup resolves key via the in-memory lookup table, if one has been
// built; ok is false if the table is absent or the key is not present.
func (c *ChunkStore) Lookup(key RowKey) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lookupTable == nil {
		return 0, false
	}
	off, ok := c.lookupTable[key]
	return off, ok
}

// HasLookupTable reports whether an in-memory lookup table is installed.
func (c *ChunkStore) HasLookupTable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupTable != nil
}
