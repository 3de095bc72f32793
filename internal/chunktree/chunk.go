// Package chunktree implements the persistent data model for chunks,
// chunk lists, chunk views, statistics aggregation, and a traverser that
// walks chunk trees under read limits (spec §4.2, §3).
package chunktree

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoSuchChunk is returned when a chunk id is not registered in a tree.
var ErrNoSuchChunk = errors.New("chunktree: no such chunk")

// ErrOptimisticLock is returned by the traverser when a chunk list's
// children changed between the time an entry was pushed and the time it
// was popped for processing (spec §4.2).
var ErrOptimisticLock = errors.New("chunktree: optimistic lock failure, chunk list changed during traversal")

// SealedReplicaIndex is the reserved replica-index sentinel for a sealed
// journal chunk replica. Open Question in spec §9: the wire sentinel
// value is unspecified by the source; we reserve -1, which cannot
// collide with any real zero-based replica index.
const SealedReplicaIndex = -1

// ChunkObjectType is the object type a ChunkID carries (spec §3); ChunkID
// holds it in its own field, not in the bits of the uuid.
type ChunkObjectType uint8

const (
	ObjectTypeRegularChunk ChunkObjectType = iota
	ObjectTypeErasureChunk
	ObjectTypeJournalChunk
)

// ChunkID is a 128-bit chunk identifier. The embedded uuid carries
// randomness; ObjectType is carried alongside it rather than bit-packed,
// since spec.md explicitly leaves the wire encoding unspecified (§1
// Non-goals: "defining the exact wire format of any ... on-disk chunk").
type ChunkID struct {
	UUID       uuid.UUID
	ObjectType ChunkObjectType
}

// NewChunkID creates a fresh chunk id of the given object type.
func NewChunkID(ot ChunkObjectType) ChunkID {
	return ChunkID{UUID: uuid.New(), ObjectType: ot}
}

func (id ChunkID) String() string {
	return fmt.Sprintf("%s:%d", id.UUID, id.ObjectType)
}

func (id ChunkID) IsErasure() bool { return id.ObjectType == ObjectTypeErasureChunk }
func (id ChunkID) IsJournal() bool { return id.ObjectType == ObjectTypeJournalChunk }

// ChunkFlags tracks scheduling bits set on a chunk while it awaits
// replicator/sealer action (spec §3).
type ChunkFlags struct {
	RefreshScheduled          bool
	PropertiesUpdateScheduled bool
	SealScheduled             bool
}

// ReplicaLocator identifies one stored or cached replica of a chunk.
type ReplicaLocator struct {
	NodeID       uuid.UUID
	ReplicaIndex int
	MediumIndex  int
}

// MiscExt mirrors the chunk meta "misc" extension of spec §3: row/record/
// uncompressed/compressed weight counts and the journal sealed flag.
type MiscExt struct {
	RowCount             int64
	RecordCount          int64
	UncompressedDataSize int64
	CompressedDataSize   int64
	Sealed               bool
}

// Meta bundles the immutable descriptive metadata of a chunk.
type Meta struct {
	Misc MiscExt
	// BlocksExt describes the block layout; kept opaque here since the
	// exact on-disk block format is out of spec scope (§1 Non-goals).
	BlockCount int
}

// Chunk is the immutable unit of storage described in spec §3.
//
// Chunk instances are owned by a single Tree (no shared mutable access
// across trees). The tree's mutex guards only the tree's own maps; the
// fields below are assigned directly by the chunk's user, which on the
// master is the replicated mutation handlers (spec §5: "chunk placement
// counters are mutated only from the automaton queue of the chunk
// manager").
type Chunk struct {
	ID        ChunkID
	Confirmed bool
	Meta      Meta

	// Per-medium replication factor, keyed by medium index.
	ReplicationFactor map[int]int
	ReadQuorum        int
	WriteQuorum       int
	ErasureCodec      string // empty for regular chunks
	Vital             bool
	Movable           bool
	Flags             ChunkFlags

	StoredReplicas []ReplicaLocator
	CachedReplicas []ReplicaLocator

	parents map[uuid.UUID]struct{} // chunk list ids; multiset semantics via refcount below
	parentRefs map[uuid.UUID]int
}

func newChunk(id ChunkID) *Chunk {
	return &Chunk{
		ID:                id,
		ReplicationFactor: make(map[int]int),
		parents:           make(map[uuid.UUID]struct{}),
		parentRefs:        make(map[uuid.UUID]int),
	}
}

// IsSealed reports the journal-chunk sealed invariant of spec §3: a
// journal chunk is sealed iff its misc extension has sealed=true, which
// implies its record count is fixed.
func (c *Chunk) IsSealed() bool {
	if !c.ID.IsJournal() {
		return true // non-journal chunks are sealed (immutable) by construction
	}
	return c.Meta.Misc.Sealed
}

// AddStoredReplica inserts a stored replica, enforcing the "at most one
// per node per medium" invariant of spec §3.
func (c *Chunk) AddStoredReplica(r ReplicaLocator) error {
	for _, existing := range c.StoredReplicas {
		if existing.NodeID == r.NodeID && existing.MediumIndex == r.MediumIndex {
			return fmt.Errorf("chunktree: node %s already holds a replica of %s on medium %d", r.NodeID, c.ID, r.MediumIndex)
		}
	}
	c.StoredReplicas = append(c.StoredReplicas, r)
	return nil
}

// RemoveStoredReplica removes the replica held by nodeID on mediumIndex,
// if any.
func (c *Chunk) RemoveStoredReplica(nodeID uuid.UUID, mediumIndex int) {
	out := c.StoredReplicas[:0]
	for _, r := range c.StoredReplicas {
		if r.NodeID == nodeID && r.MediumIndex == mediumIndex {
			continue
		}
		out = append(out, r)
	}
	c.StoredReplicas = out
}

// StoredOnMedium returns the replica locators stored on the given medium.
func (c *Chunk) StoredOnMedium(mediumIndex int) []ReplicaLocator {
	var out []ReplicaLocator
	for _, r := range c.StoredReplicas {
		if r.MediumIndex == mediumIndex {
			out = append(out, r)
		}
	}
	return out
}
