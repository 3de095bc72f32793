package chunktree

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Tree is an arena owning chunks and chunk lists by stable id. It
// replaces the teacher language's intrusive-ptr parent/child cycles
// (spec §9 design note: "model as arena-allocated nodes with stable ids;
// parent pointers stored as back-references validated on access;
// lifetime tied to the owning automaton"). All structural mutation goes
// through Tree methods so that parent/child bookkeeping, cumulative
// statistics, and the traverser's optimistic-lock version stay
// consistent; Tree itself is safe for concurrent use, but on the master
// it is intended to be driven only from the chunk manager's automaton
// invoker (spec §5).
type Tree struct {
	mu     sync.RWMutex
	chunks map[ChunkID]*Chunk
	lists  map[uuid.UUID]*ChunkList
}

// NewTree creates an empty arena.
func NewTree() *Tree {
	return &Tree{
		chunks: make(map[ChunkID]*Chunk),
		lists:  make(map[uuid.UUID]*ChunkList),
	}
}

// NewChunk creates and registers a new chunk.
func (t *Tree) NewChunk(ot ChunkObjectType) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := newChunk(NewChunkID(ot))
	t.chunks[c.ID] = c
	return c
}

// NewChunkWithID registers a chunk under a caller-supplied id, for
// callers such as a replicated CreateChunk mutation handler that must
// produce the same chunk id on every replica rather than generating a
// fresh random one on each Apply.
func (t *Tree) NewChunkWithID(id ChunkID) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := newChunk(id)
	t.chunks[id] = c
	return c
}

// Chunks returns a snapshot of every chunk currently registered in the
// tree, for callers that need to scan the whole chunk population (spec
// §4.4's replication scan).
func (t *Tree) Chunks() []*Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		out = append(out, c)
	}
	return out
}

// NewChunkList creates and registers a new, empty chunk list.
func (t *Tree) NewChunkList(kind Kind) *ChunkList {
	t.mu.Lock()
	defer t.mu.Unlock()
	cl := newChunkList(kind)
	t.lists[cl.ID] = cl
	return cl
}

// Chunk looks up a chunk by id.
func (t *Tree) Chunk(id ChunkID) (*Chunk, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chunks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchChunk, id)
	}
	return c, nil
}

// ChunkList looks up a chunk list by id.
func (t *Tree) ChunkList(id uuid.UUID) (*ChunkList, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cl, ok := t.lists[id]
	if !ok {
		return nil, fmt.Errorf("chunktree: no such chunk list: %s", id)
	}
	return cl, nil
}

// AppendChunk appends a chunk as a child of a chunk list, updating
// cumulative statistics and parent back-references. A chunk may be
// attached under multiple chunk lists (the DAG invariant of spec §3).
func (t *Tree) AppendChunk(parent *ChunkList, chunkID ChunkID, stats Statistics, unsealed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chunks[chunkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchChunk, chunkID)
	}
	parent.Children = append(parent.Children, Child{
		Kind:          ChildChunk,
		ChunkID:       chunkID,
		OwnStatistics: stats,
		Unsealed:      unsealed,
	})
	parent.recomputeCumulative()
	c.parentRefs[parent.ID]++
	c.parents[parent.ID] = struct{}{}
	return nil
}

// AppendChunkList appends a chunk list as a child of another, forming
// the DAG described in spec §3. Callers are responsible for avoiding
// cycles; Tree does not cycle-check on every append (that cost is borne
// once, by a validating traversal, not on the hot append path).
func (t *Tree) AppendChunkList(parent, child *ChunkList, stats Statistics) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lists[child.ID]; !ok {
		return fmt.Errorf("chunktree: no such chunk list: %s", child.ID)
	}
	parent.Children = append(parent.Children, Child{
		Kind:          ChildChunkList,
		ListID:        child.ID,
		OwnStatistics: stats,
	})
	parent.recomputeCumulative()
	child.parentRefs[parent.ID]++
	return nil
}

// AppendView appends a chunk view as a child of a chunk list.
func (t *Tree) AppendView(parent *ChunkList, view *ChunkView) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := view.inducedStatistics()
	parent.Children = append(parent.Children, Child{
		Kind:          ChildChunkView,
		ViewID:        view.ID,
		OwnStatistics: stats,
		MinKey:        view.MinKey(),
		MaxKey:        view.MaxKey(),
	})
	parent.recomputeCumulative()
	return nil
}

// Parents returns the set of chunk list ids that directly reference the
// given chunk (the multiset of spec §3, exposed here as a count map).
func (t *Tree) Parents(id ChunkID) map[uuid.UUID]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chunks[id]
	if !ok {
		return nil
	}
	out := make(map[uuid.UUID]int, len(c.parentRefs))
	for k, v := range c.parentRefs {
		out[k] = v
	}
	return out
}

// Sealed reports whether the chunk list and its whole subtree satisfy
// the sealed invariant of spec §3.
func (t *Tree) Sealed(id uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealedLocked(id, make(map[uuid.UUID]bool))
}

func (t *Tree) sealedLocked(id uuid.UUID, memo map[uuid.UUID]bool) bool {
	if v, ok := memo[id]; ok {
		return v
	}
	cl, ok := t.lists[id]
	if !ok {
		return true
	}
	memo[id] = true // break cycles optimistically; a true DAG has none
	result := cl.sealed(func(ch Child) bool {
		return t.sealedLocked(ch.ListID, memo)
	})
	memo[id] = result
	return result
}
