// Package inmemory implements write-time block interception and
// background preload of chunk blocks into RAM, so a tablet configured for
// compressed or uncompressed in-memory mode serves lookups without a
// chunk read (spec §4.6, grounded on
// original_source/server/tablet_node/in_memory_manager.cpp).
package inmemory

import (
	"errors"
	"sync"
	"time"

	"tabstore/internal/chunktree"
	"tabstore/internal/tabletnode/store"
)

// Mode selects how a tablet's in-memory data is kept: Compressed keeps
// blocks as written (still needing per-read decompression), Uncompressed
// decompresses once at preload time for the fastest reads.
type Mode int

const (
	ModeNone Mode = iota
	ModeCompressed
	ModeUncompressed
)

// ErrMemoryExceeded is returned when installing a block would exceed the
// configured tablet-static memory budget (spec §4.6: "If the system's
// tablet-static memory is exceeded, the record is dropped and the chunk
// is marked for fresh preload later").
var ErrMemoryExceeded = errors.New("inmemory: tablet-static memory budget exceeded")

// Budget is a simple counting memory-usage tracker shared by every chunk
// data record on a node, mirroring the original's memory-usage tracker
// with per-category guards that release on drop (spec §5 shared-resource
// policy).
type Budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewBudget creates a budget with the given byte limit (0 means
// unlimited).
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// TryAcquire reserves n bytes, returning false without reserving anything
// if that would exceed the limit.
func (b *Budget) TryAcquire(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

// Release gives back n previously acquired bytes.
func (b *Budget) Release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// Used returns bytes currently reserved.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Block is one block of a chunk, tagged with its type the way the
// versioned chunk writer tags data vs. key blocks.
type Block struct {
	ID   int
	Type string
	Data []byte
}

// ChunkData is the in-memory record for one chunk: its intercepted (or
// preloaded) blocks, the config revision it was built under, and an
// optional lookup hash table built once the chunk is finalized.
type ChunkData struct {
	ChunkID        chunktree.ChunkID
	Mode           Mode
	ConfigRevision uint64

	mu          sync.RWMutex
	blocks      []Block // capacity-doubling via append, matching spec §4.6
	reservedLen int64
	lookupTable map[store.RowKey]int
	finalized   bool
}

// NewChunkData starts an interception record for a chunk being written
// under the given tablet config revision.
func NewChunkData(id chunktree.ChunkID, mode Mode, configRevision uint64) *ChunkData {
	return &ChunkData{ChunkID: id, Mode: mode, ConfigRevision: configRevision}
}

// Put installs a freshly written block into the record, reserving its
// size against budget. If the budget is exceeded, the caller should drop
// the whole record (Interceptor.Drop) and let preload pick the chunk up
// later, per spec §4.6.
func (c *ChunkData) Put(budget *Budget, id int, blockType string, data []byte) error {
	if !budget.TryAcquire(int64(len(data))) {
		return ErrMemoryExceeded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, Block{ID: id, Type: blockType, Data: data})
	c.reservedLen += int64(len(data))
	return nil
}

// Blocks returns the record's blocks in insertion order.
func (c *ChunkData) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// FinalizeChunk installs the lookup hash table built from the now-closed
// chunk's key blocks (spec §4.6: "FinalizeChunk installs the cached chunk
// meta and builds the lookup hash table").
func (c *ChunkData) FinalizeChunk(lookupTable map[store.RowKey]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupTable = lookupTable
	c.finalized = true
}

// Finalized reports whether FinalizeChunk has run.
func (c *ChunkData) Finalized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized
}

// Lookup resolves a key via the record's lookup hash table.
func (c *ChunkData) Lookup(key store.RowKey) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lookupTable == nil {
		return 0, false
	}
	off, ok := c.lookupTable[key]
	return off, ok
}

// ReservedBytes returns the budget reserved by this record's blocks.
func (c *ChunkData) ReservedBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reservedLen
}

// Interceptor holds every chunk's in-memory data for a node, guarded by a
// reader/writer lock per spec §5 ("The intercepted-chunk-data map is
// guarded by a reader/writer spinlock; writers hold it only during
// structural changes; readers during lookup.").
type Interceptor struct {
	Budget *Budget

	mu     sync.RWMutex
	byID   map[chunktree.ChunkID]*ChunkData
	evictAt map[chunktree.ChunkID]*time.Timer

	// EvictionDelay is how long a chunk's record survives after its
	// writer is destroyed before the record is dropped (spec §4.6:
	// "scheduled for eviction after a retention delay").
	EvictionDelay time.Duration
}

// NewInterceptor creates an interceptor sharing budget across every
// chunk's data record.
func NewInterceptor(budget *Budget, evictionDelay time.Duration) *Interceptor {
	if evictionDelay <= 0 {
		evictionDelay = 2 * time.Minute
	}
	return &Interceptor{
		Budget:        budget,
		byID:          make(map[chunktree.ChunkID]*ChunkData),
		evictAt:       make(map[chunktree.ChunkID]*time.Timer),
		EvictionDelay: evictionDelay,
	}
}

// Install registers cd as the node's in-memory record for its chunk,
// canceling any pending eviction for that chunk id (e.g. a rewrite of a
// chunk that was about to be evicted).
func (in *Interceptor) Install(cd *ChunkData) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.evictAt[cd.ChunkID]; ok {
		t.Stop()
		delete(in.evictAt, cd.ChunkID)
	}
	in.byID[cd.ChunkID] = cd
}

// Get returns the in-memory record for a chunk, if resident.
func (in *Interceptor) Get(id chunktree.ChunkID) (*ChunkData, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	cd, ok := in.byID[id]
	return cd, ok
}

// Drop removes a chunk's record immediately and releases its reserved
// budget, used when a record exceeded the memory budget mid-write.
func (in *Interceptor) Drop(id chunktree.ChunkID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if cd, ok := in.byID[id]; ok {
		in.Budget.Release(cd.ReservedBytes())
		delete(in.byID, id)
	}
	if t, ok := in.evictAt[id]; ok {
		t.Stop()
		delete(in.evictAt, id)
	}
}

// ScheduleEviction arranges for id's record to be dropped after
// EvictionDelay, called when the chunk writer holding it is destroyed
// (spec §4.6).
func (in *Interceptor) ScheduleEviction(id chunktree.ChunkID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.byID[id]; !ok {
		return
	}
	if t, ok := in.evictAt[id]; ok {
		t.Stop()
	}
	in.evictAt[id] = time.AfterFunc(in.EvictionDelay, func() { in.Drop(id) })
}
