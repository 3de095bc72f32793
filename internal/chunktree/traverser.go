package chunktree

import (
	"bytes"
	"fmt"

	"tabstore/internal/async"
)

// DefaultMaxChunksPerStep is the pacing default of spec §4.2.
const DefaultMaxChunksPerStep = 1000

// LeafKind distinguishes the two leaf types a traversal may emit.
type LeafKind int

const (
	LeafChunk LeafKind = iota
	LeafDynamicStore
)

// Leaf is one emitted traversal result: a chunk or unflushed dynamic
// store that overlaps the traversal's limits, together with the induced
// sub-range limits for that leaf (spec §4.2).
type Leaf struct {
	Kind    LeafKind
	ChunkID ChunkID
	StoreID [16]byte
	Lower   ReadLimit
	Upper   ReadLimit
}

// QuotaCharger is invoked by the traverser after each paced batch so the
// originating user's read quota accrues traversal cost (spec §4.2:
// "charging the elapsed time to the originating user's read quota").
type QuotaCharger interface {
	Charge(elapsedLeaves int)
}

type stackEntry struct {
	list    *ChunkList
	version uint64
	index   int
	// accRow is the accumulated row offset of list's first child within
	// the overall traversal, used to translate a child's local
	// cumulative-statistics window into global row-index coordinates.
	accRow   int64
	accChunk int64
	accOff   int64
	lower    ReadLimit
	upper    ReadLimit
}

// Traverser walks a chunk tree from a root chunk list under a caller
// supplied [lower, upper) limit, emitting each leaf that overlaps it, in
// ascending child-index order (spec §4.2 and the testable property in
// spec §8: "returned leaves are exactly those whose induced window
// intersects L").
type Traverser struct {
	tree          *Tree
	maxPerStep    int
	quota         QuotaCharger
	resolveView   func([16]byte) (*ChunkView, error)
}

// NewTraverser creates a traverser over tree. quota may be nil to skip
// pacing-quota accounting (e.g. in tests). resolveView looks up a chunk
// view child by id; may be nil if the tree under traversal has none.
func NewTraverser(tree *Tree, maxPerStep int, quota QuotaCharger, resolveView func([16]byte) (*ChunkView, error)) *Traverser {
	if maxPerStep <= 0 {
		maxPerStep = DefaultMaxChunksPerStep
	}
	return &Traverser{tree: tree, maxPerStep: maxPerStep, quota: quota, resolveView: resolveView}
}

// Walk traverses from root under [lower, upper), invoking emit for each
// leaf in ascending order. Walk yields control to inv (via async.Yield)
// every maxPerStep leaves, matching the cooperative-scheduling
// discipline of spec §5/§4.1 rather than monopolizing the calling
// goroutine on a huge tree.
func (tr *Traverser) Walk(inv fiberYielder, root *ChunkList, lower, upper ReadLimit, emit func(Leaf) error) error {
	stack := []stackEntry{{list: root, version: root.Version(), lower: lower, upper: upper, index: childStartIndex(root, lower)}}
	sinceYield := 0

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.list.Version() != top.version {
			return fmt.Errorf("%w: chunk list %s", ErrOptimisticLock, top.list.ID)
		}

		if top.index >= len(top.list.Children) {
			stack = stack[:len(stack)-1]
			continue
		}

		idx := top.index
		top.index++
		child := top.list.Children[idx]

		childLo, childHi, minKey, maxKey := childWindow(top.list, idx, top.accRow)

		if top.lower.excludesWindowBelow(childLo, childHi, minKey, maxKey) ||
			top.upper.excludesWindowAbove(childLo, childHi, minKey, maxKey) {
			continue
		}

		inducedLower := clipLimit(top.lower, childLo, minKey)
		inducedUpper := clipLimit(top.upper, childHi, maxKey)

		switch child.Kind {
		case ChildChunkList:
			next, err := tr.tree.ChunkList(child.ListID)
			if err != nil {
				return err
			}
			stack = append(stack, stackEntry{
				list: next, version: next.Version(),
				accRow: childLo, lower: inducedLower, upper: inducedUpper,
				index: childStartIndex(next, inducedLower),
			})
		case ChildChunk:
			leaf := Leaf{Kind: LeafChunk, ChunkID: child.ChunkID, Lower: inducedLower, Upper: inducedUpper}
			if err := emit(leaf); err != nil {
				return err
			}
			sinceYield++
		case ChildDynamicStore:
			leaf := Leaf{Kind: LeafDynamicStore, StoreID: toID16(child.StoreID), Lower: inducedLower, Upper: inducedUpper}
			if err := emit(leaf); err != nil {
				return err
			}
			sinceYield++
		case ChildChunkView:
			if tr.resolveView == nil {
				continue
			}
			view, err := tr.resolveView(toID16(child.ViewID))
			if err != nil {
				return err
			}
			leaf := Leaf{Kind: LeafChunk, ChunkID: view.Underlying, Lower: inducedLower, Upper: inducedUpper}
			if err := emit(leaf); err != nil {
				return err
			}
			sinceYield++
		}

		if sinceYield >= tr.maxPerStep {
			if tr.quota != nil {
				tr.quota.Charge(sinceYield)
			}
			if inv != nil {
				async.Yield(inv)
			}
			sinceYield = 0
		}
	}
	if tr.quota != nil && sinceYield > 0 {
		tr.quota.Charge(sinceYield)
	}
	return nil
}

// fiberYielder is the minimal surface Walk needs from an invoker; using
// async.Invoker directly keeps this package from importing test doubles.
type fiberYielder = interface{ Invoke(func()) }

func toID16(u [16]byte) [16]byte { return u }

// childWindow computes a child's [lo, hi) row-index window and min/max
// key bounds from the parent's cumulative statistics vector, per the
// algorithm of spec §4.2. If the child is unsealed, its upper bound is
// treated as +∞ (represented here as a very large sentinel rather than a
// true infinity, since row indices are int64).
func childWindow(parent *ChunkList, idx int, accRow int64) (lo, hi int64, minKey, maxKey []byte) {
	if idx == 0 {
		lo = accRow
	} else {
		lo = accRow + parent.CumulativeStatistics[idx-1].RowCount
	}
	if parent.Children[idx].Unsealed {
		hi = int64(1) << 62
	} else {
		hi = accRow + parent.CumulativeStatistics[idx].RowCount
	}
	return lo, hi, parent.Children[idx].MinKey, parent.Children[idx].MaxKey
}

// childStartIndex skips straight to the first child worth checking
// against lower's key dimension, via UpperBoundWithMissingValues's
// binary search, instead of scanning every child from index 0 (spec
// §4.2). The returned index is then moved back past every preceding
// child that the per-child exclusion test in Walk would still keep (a
// MaxKey equal to the lower bound, or an empty child with no MaxKey), so
// the pruning never skips a child that test accepts.
func childStartIndex(list *ChunkList, lower ReadLimit) int {
	if !lower.HasKey || len(list.Children) == 0 {
		return 0
	}
	idx := UpperBoundWithMissingValues(list.Children, lower.Key)
	for idx > 0 {
		prev := list.Children[idx-1].MaxKey
		if prev != nil && bytes.Compare(prev, lower.Key) < 0 {
			break
		}
		idx--
	}
	return idx
}

// clipLimit produces the induced sub-range limit passed down to (or
// emitted alongside) a child. Row/chunk/offset coordinates stay global
// across recursion levels (childWindow always adds the running accRow
// offset), so the parent's limit already applies unchanged to the
// child's window; only the key dimension would ever need tightening,
// and the traverser's exclusion test already handles that against the
// child's own min/max key, so no further clipping is needed here.
func clipLimit(parent ReadLimit, _ int64, _ []byte) ReadLimit {
	return parent
}
