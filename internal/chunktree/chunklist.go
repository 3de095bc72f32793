package chunktree

import (
	"github.com/google/uuid"
)

// Kind classifies the role a chunk list plays in the tree (spec §3).
type Kind int

const (
	KindStatic Kind = iota
	KindSortedDynamicRoot
	KindSortedDynamicTablet
	KindSortedDynamicSubtablet
	KindJournalRoot
	KindHunkRoot
)

// Statistics is the aggregate row/chunk/data-size triple carried by both
// individual children and whole chunk lists (spec §3).
type Statistics struct {
	RowCount  int64
	ChunkCount int64
	DataSize  int64
}

// Add returns the element-wise sum of two statistics.
func (s Statistics) Add(o Statistics) Statistics {
	return Statistics{
		RowCount:   s.RowCount + o.RowCount,
		ChunkCount: s.ChunkCount + o.ChunkCount,
		DataSize:   s.DataSize + o.DataSize,
	}
}

// ChildKind distinguishes the four admissible child types of a chunk list
// (spec §3: "each a chunk, chunk view, dynamic store, or another chunk
// list").
type ChildKind int

const (
	ChildChunk ChildKind = iota
	ChildChunkView
	ChildDynamicStore
	ChildChunkList
)

// Child is one entry of a chunk list's children vector. Exactly one of
// ChunkID/ViewID/StoreID/ListID is meaningful, selected by Kind.
type Child struct {
	Kind    ChildKind
	ChunkID ChunkID
	ViewID  uuid.UUID
	StoreID uuid.UUID
	ListID  uuid.UUID

	// OwnStatistics is the statistics contributed by this child alone
	// (not cumulative); Unsealed marks a child (typically an unflushed
	// dynamic store) whose row/chunk/data totals are not yet fixed, so
	// traversal must treat its upper bound as +∞ per spec §4.2.
	OwnStatistics Statistics
	Unsealed      bool

	// MinKey/MaxKey bound the child's sorted-key range; both nil for an
	// empty child, whose bounds are undefined (spec §4.2 "tolerates
	// empty children").
	MinKey []byte
	MaxKey []byte
}

// ChunkList is the ordered tree node of spec §3. Instances are owned by
// exactly one Tree; construct via Tree.NewChunkList.
type ChunkList struct {
	ID       uuid.UUID
	Kind     Kind
	Children []Child

	// CumulativeStatistics[i] = Σ statistics(children[0..i]) inclusive of
	// i, aligned 1:1 with Children (spec §3 invariant).
	CumulativeStatistics []Statistics
	AggregateStatistics  Statistics

	parentRefs map[uuid.UUID]int // parent chunk list id -> multiplicity
	owningNodes map[uuid.UUID]struct{}

	Sorted              bool
	RebalancingEnabled   bool
	Ordered              bool

	// version is bumped on every structural mutation (append/remove
	// child) and recorded by the traverser at push time; a mismatch on
	// pop is an optimistic-lock failure (spec §4.2).
	version uint64
}

func newChunkList(kind Kind) *ChunkList {
	return &ChunkList{
		ID:          uuid.New(),
		Kind:        kind,
		parentRefs:  make(map[uuid.UUID]int),
		owningNodes: make(map[uuid.UUID]struct{}),
	}
}

// Version returns the current structural version, for traverser
// optimistic-lock checks.
func (cl *ChunkList) Version() uint64 { return cl.version }

// Rank is 1 + max(child rank) for chunk-list children, 0 for a list with
// only leaf children (spec §3 invariant). maxChildRank is supplied by
// the owning Tree, which tracks per-list rank to avoid an O(depth) walk
// on every call.
func rank(maxChildRank int) int {
	if maxChildRank < 0 {
		return 0
	}
	return maxChildRank + 1
}

// recomputeCumulative rebuilds CumulativeStatistics and
// AggregateStatistics from Children, and bumps the structural version.
// Called by Tree whenever Children is mutated.
func (cl *ChunkList) recomputeCumulative() {
	cl.CumulativeStatistics = make([]Statistics, len(cl.Children))
	var running Statistics
	for i, ch := range cl.Children {
		running = running.Add(ch.OwnStatistics)
		cl.CumulativeStatistics[i] = running
	}
	cl.AggregateStatistics = running
	cl.version++
}

// sealed reports the conjunction invariant: sealed = ∧ sealed(child).
// A child that is an unsealed dynamic store, or a chunk list that is
// itself unsealed, makes the whole list unsealed.
func (cl *ChunkList) sealed(resolveChild func(Child) bool) bool {
	for _, ch := range cl.Children {
		if ch.Unsealed {
			return false
		}
		if ch.Kind == ChildChunkList && !resolveChild(ch) {
			return false
		}
	}
	return true
}
