package chunktree

import "bytes"

// ReadLimit bounds a traversal or a chunk view in any combination of the
// four dimensions described in spec §3/§4.2: row index, chunk index,
// byte offset, and sorted key. A zero-value field means "not specified
// in this dimension"; HasX reports whether the dimension is active.
type ReadLimit struct {
	HasRowIndex bool
	RowIndex    int64

	HasChunkIndex bool
	ChunkIndex    int64

	HasOffset bool
	Offset    int64

	HasKey bool
	Key    []byte
}

// IsEmpty reports whether no dimension of the limit is set (an
// unrestricted bound).
func (l ReadLimit) IsEmpty() bool {
	return !l.HasRowIndex && !l.HasChunkIndex && !l.HasOffset && !l.HasKey
}

// excludesWindowBelow reports whether the limit, interpreted as a lower bound,
// excludes the given row window [lo, hi). Only the dimensions actually
// set on the limit are consulted; an unset dimension never excludes.
func (l ReadLimit) excludesWindowBelow(lo, hi int64, minKey, maxKey []byte) bool {
	if l.HasRowIndex && hi <= l.RowIndex {
		return true
	}
	if l.HasChunkIndex && hi <= l.ChunkIndex {
		return true
	}
	if l.HasOffset && hi <= l.Offset {
		return true
	}
	if l.HasKey && maxKey != nil && bytes.Compare(maxKey, l.Key) < 0 {
		return true
	}
	return false
}

func (l ReadLimit) excludesWindowAbove(lo, hi int64, minKey, maxKey []byte) bool {
	if l.HasRowIndex && lo >= l.RowIndex {
		return true
	}
	if l.HasChunkIndex && lo >= l.ChunkIndex {
		return true
	}
	if l.HasOffset && lo >= l.Offset {
		return true
	}
	if l.HasKey && minKey != nil && bytes.Compare(minKey, l.Key) >= 0 {
		return true
	}
	return false
}

// Intersect returns the tighter of two limits interpreted as lower
// bounds (the max of each set dimension) when asLower is true, or as
// upper bounds (the min of each set dimension) otherwise.
func Intersect(a, b ReadLimit, asLower bool) ReadLimit {
	out := a
	merge := func(hasB bool, valB int64, hasA *bool, valA *int64) {
		if !hasB {
			return
		}
		if !*hasA {
			*hasA, *valA = true, valB
			return
		}
		if asLower && valB > *valA {
			*valA = valB
		}
		if !asLower && valB < *valA {
			*valA = valB
		}
	}
	merge(b.HasRowIndex, b.RowIndex, &out.HasRowIndex, &out.RowIndex)
	merge(b.HasChunkIndex, b.ChunkIndex, &out.HasChunkIndex, &out.ChunkIndex)
	merge(b.HasOffset, b.Offset, &out.HasOffset, &out.Offset)
	if b.HasKey {
		if !out.HasKey {
			out.HasKey = true
			out.Key = b.Key
		} else if asLower && bytes.Compare(b.Key, out.Key) > 0 {
			out.Key = b.Key
		} else if !asLower && bytes.Compare(b.Key, out.Key) < 0 {
			out.Key = b.Key
		}
	}
	return out
}

// Modifier carries the optional per-view override described in spec §3:
// an override timestamp transaction id and a max clip timestamp.
type Modifier struct {
	HasOverrideTimestampTxID bool
	OverrideTimestampTxID    uint64

	HasMaxClipTimestamp bool
	MaxClipTimestamp    uint64
}

// ChunkView is a window onto an underlying chunk or chunk list, defined
// by a read range and an optional modifier (spec §3).
type ChunkView struct {
	ID         [16]byte
	Underlying ChunkID
	Lower      ReadLimit
	Upper      ReadLimit
	Modifier   Modifier

	// stats is the view's own induced statistics, precomputed by the
	// caller that clipped the underlying chunk's full statistics to
	// [Lower, Upper) — chunk views themselves do not recompute this from
	// raw data, matching the "cheap to construct" contract implied by
	// spec §4.2's per-child window computation.
	stats Statistics
	minKey, maxKey []byte
}

// NewChunkView constructs a view with precomputed induced statistics and
// key bounds (typically derived by a caller that already knows the
// underlying chunk's cumulative statistics for the given range).
func NewChunkView(id [16]byte, underlying ChunkID, lower, upper ReadLimit, mod Modifier, stats Statistics, minKey, maxKey []byte) *ChunkView {
	return &ChunkView{
		ID: id, Underlying: underlying, Lower: lower, Upper: upper, Modifier: mod,
		stats: stats, minKey: minKey, maxKey: maxKey,
	}
}

func (v *ChunkView) inducedStatistics() Statistics { return v.stats }
func (v *ChunkView) MinKey() []byte                { return v.minKey }
func (v *ChunkView) MaxKey() []byte                { return v.maxKey }

// UpperBoundWithMissingValues performs a binary search for the first
// index whose MaxKey exceeds key, tolerating children whose MinKey/MaxKey
// are nil (empty children with no defined key range, spec §4.2). Nil
// bounds are treated as matching the adjacent defined neighbor so that
// empty children neither wrongly terminate nor wrongly continue a
// search range.
func UpperBoundWithMissingValues(children []Child, key []byte) int {
	lo, hi := 0, len(children)
	for lo < hi {
		mid := (lo + hi) / 2
		maxKey := nearestDefinedMaxKey(children, mid)
		if maxKey == nil || bytes.Compare(maxKey, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// nearestDefinedMaxKey returns children[idx].MaxKey if defined, else
// scans forward for the next child with a defined MaxKey (an empty
// child's window is treated as zero-width, inheriting its neighbor's
// bound so the search can still make monotonic progress).
func nearestDefinedMaxKey(children []Child, idx int) []byte {
	for i := idx; i < len(children); i++ {
		if children[i].MaxKey != nil {
			return children[i].MaxKey
		}
	}
	return nil
}
