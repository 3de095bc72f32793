// Package placement implements chunk placement target selection (spec
// §4.3): acceptance filtering, load-rank and fill-factor indices, target
// selection with tie-breaking sampling, and balancing/removal candidate
// selection.
package placement

import (
	"errors"
	"math/rand"
	"sort"

	"tabstore/internal/chunkserver"
)

// ErrNotEnoughTargets is returned when fewer than the requested number
// of acceptable targets could be found.
var ErrNotEnoughTargets = errors.New("placement: not enough acceptable targets")

// Constraints bounds a placement decision (spec §4.3).
type Constraints struct {
	MediumIndex int

	// MaxReplicasPerRack limits how many replicas of one chunk may land
	// on the same rack. Erasure chunks pass a tighter value than regular
	// chunks (spec §4.3: "tighter limits for erasure chunks").
	MaxReplicasPerRack int

	ForbiddenNodes map[string]bool // rack or node ids excluded outright
	PreferredHosts []string        // node addresses to prefer when acceptable
}

// Index maintains the per-medium load-rank and fill-factor views over a
// node registry, recomputed on demand from the registry's current state
// (spec §4.3: "a fill-factor index and a load-rank index, recomputed
// incrementally as heartbeats arrive").
type Index struct {
	registry *chunkserver.Registry
}

func NewIndex(registry *chunkserver.Registry) *Index {
	return &Index{registry: registry}
}

// acceptable reports whether node may receive a new replica for the
// given chunk's object type and medium, per spec §4.3's acceptance
// predicate: online, advertises the medium, not full, not in a forbidden
// rack/node, and not already host to a replica of this chunk's rack
// beyond the per-rack cap.
func acceptable(n *chunkserver.Node, c Constraints, existingRacks map[string]int) bool {
	if n.State() != chunkserver.NodeOnline {
		return false
	}
	if !n.AdvertisesMedium(c.MediumIndex) {
		return false
	}
	if n.IsFull(c.MediumIndex) {
		return false
	}
	if c.ForbiddenNodes != nil {
		if c.ForbiddenNodes[n.ID.String()] || c.ForbiddenNodes[n.Rack] {
			return false
		}
	}
	if c.MaxReplicasPerRack > 0 && existingRacks[n.Rack] >= c.MaxReplicasPerRack {
		return false
	}
	return true
}

// loadFactor combines reported fill factor and in-flight hinted session
// count into one score used to rank candidate nodes: lower is preferred
// (spec §4.3: "rank candidates by a combination of fill factor and
// currently in-flight session count so concurrent placements spread out
// within one scheduling cycle rather than piling onto the single
// least-full node").
func loadFactor(n *chunkserver.Node, mediumIndex int) float64 {
	return n.FillFactor(mediumIndex) + 0.01*float64(n.HintedSessions())
}

// candidates returns all nodes currently known that could ever serve
// c.MediumIndex, ordered by ascending load factor. existingRacks maps a
// rack name to the count of replicas of the chunk being placed already
// resident there.
func (idx *Index) candidates(c Constraints, existingRacks map[string]int) []*chunkserver.Node {
	online := idx.registry.Online()
	out := make([]*chunkserver.Node, 0, len(online))
	for _, n := range online {
		if acceptable(n, c, existingRacks) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return loadFactor(out[i], c.MediumIndex) < loadFactor(out[j], c.MediumIndex)
	})
	return out
}

// SelectTargets chooses count placement targets for a new chunk,
// preferring any of c.PreferredHosts that are acceptable before falling
// back to load-ranked sampling (spec §4.3: "preferred hosts... are
// emitted first, ahead of any load-ranked candidate"). Among nodes
// within a small band of the best load factor, the target is sampled
// uniformly at random rather than always taking the single lowest, so
// concurrent calls don't all pile onto one node (spec §4.3: "tie-
// breaking sampling among near-equally-loaded candidates").
func (idx *Index) SelectTargets(c Constraints, count int, existingRacks map[string]int) ([]*chunkserver.Node, error) {
	if existingRacks == nil {
		existingRacks = map[string]int{}
	}
	cands := idx.candidates(c, existingRacks)

	var chosen []*chunkserver.Node
	used := map[string]bool{}

	for _, addr := range c.PreferredHosts {
		if len(chosen) >= count {
			break
		}
		for _, n := range cands {
			if n.Address == addr && !used[n.ID.String()] {
				chosen = append(chosen, n)
				used[n.ID.String()] = true
				existingRacks[n.Rack]++
				break
			}
		}
	}

	const tieBand = 0.05
	for len(chosen) < count {
		remaining := filterUnused(cands, used)
		remaining = rerankForRacks(remaining, c, existingRacks)
		if len(remaining) == 0 {
			return chosen, ErrNotEnoughTargets
		}
		best := loadFactor(remaining[0], c.MediumIndex)
		band := remaining[:0]
		for _, n := range remaining {
			if loadFactor(n, c.MediumIndex) <= best+tieBand {
				band = append(band, n)
			} else {
				break
			}
		}
		pick := band[rand.Intn(len(band))]
		chosen = append(chosen, pick)
		used[pick.ID.String()] = true
		existingRacks[pick.Rack]++
		pick.HintSession()
	}
	return chosen, nil
}

func filterUnused(nodes []*chunkserver.Node, used map[string]bool) []*chunkserver.Node {
	out := make([]*chunkserver.Node, 0, len(nodes))
	for _, n := range nodes {
		if !used[n.ID.String()] {
			out = append(out, n)
		}
	}
	return out
}

// rerankForRacks drops nodes whose rack has hit the per-rack cap given
// the targets chosen so far in this call, since existingRacks changes
// between each pick.
func rerankForRacks(nodes []*chunkserver.Node, c Constraints, existingRacks map[string]int) []*chunkserver.Node {
	if c.MaxReplicasPerRack <= 0 {
		return nodes
	}
	out := make([]*chunkserver.Node, 0, len(nodes))
	for _, n := range nodes {
		if existingRacks[n.Rack] < c.MaxReplicasPerRack {
			out = append(out, n)
		}
	}
	return out
}

// BalancingSource selects a source node to move a replica away from, for
// inter-node load balancing: the most heavily loaded node whose fill
// factor exceeds the cluster average by more than diffThreshold (spec
// §4.3: "nodes whose fill factor exceeds the mean by more than a
// configurable diff_threshold become balancing sources; the target is
// chosen the same way as for new-replica placement").
func (idx *Index) BalancingSource(mediumIndex int, diffThreshold float64) (*chunkserver.Node, bool) {
	online := idx.registry.Online()
	if len(online) == 0 {
		return nil, false
	}
	var sum float64
	for _, n := range online {
		sum += n.FillFactor(mediumIndex)
	}
	mean := sum / float64(len(online))

	sort.Slice(online, func(i, j int) bool {
		return online[i].FillFactor(mediumIndex) > online[j].FillFactor(mediumIndex)
	})
	top := online[0]
	if top.FillFactor(mediumIndex)-mean > diffThreshold {
		return top, true
	}
	return nil, false
}

// RemovalTargets ranks nodes by descending load factor, for choosing
// which replica of an over-replicated chunk to remove first (spec
// §4.3/§4.4: removal prefers the most heavily loaded holder).
func (idx *Index) RemovalTargets(mediumIndex int, holders []*chunkserver.Node) []*chunkserver.Node {
	out := make([]*chunkserver.Node, len(holders))
	copy(out, holders)
	sort.Slice(out, func(i, j int) bool {
		return loadFactor(out[i], mediumIndex) > loadFactor(out[j], mediumIndex)
	})
	return out
}
