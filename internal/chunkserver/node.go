// Package chunkserver holds the master-side chunk placement control
// plane: the storage node and medium model shared by placement,
// replication, and lease tracking (spec §4.3-§4.5).
package chunkserver

import (
	"sync"

	"github.com/google/uuid"
)

// HeartbeatState is a storage node's registration lifecycle (spec §3).
type HeartbeatState int

const (
	NodeRegistered HeartbeatState = iota
	NodeOnline
	NodeUnregistered
)

func (s HeartbeatState) String() string {
	switch s {
	case NodeRegistered:
		return "registered"
	case NodeOnline:
		return "online"
	case NodeUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Medium is a storage class across the cluster (spec §3, GLOSSARY).
type Medium struct {
	Index     int
	Name      string
	Priority  int
	Transient bool
	Cache     bool

	MaxReplicasPerRack int
}

// LoadStats is the per-medium load statistics a node reports in its
// heartbeat (spec §3).
type LoadStats struct {
	UsedBytes int64
	FreeBytes int64
	Full      bool
}

// Node is the master's view of a storage node (spec §3).
type Node struct {
	ID      uuid.UUID
	Address string
	Rack    string
	Media   []int // medium indices this node advertises

	mu               sync.RWMutex
	state            HeartbeatState
	sessionCount     int
	hintedSessions   int
	loadByMedium     map[int]LoadStats
	storedChunkCount int
	cachedChunkCount int
}

// NewNode constructs a node in the Registered state.
func NewNode(id uuid.UUID, address, rack string, media []int) *Node {
	return &Node{
		ID:           id,
		Address:      address,
		Rack:         rack,
		Media:        media,
		state:        NodeRegistered,
		loadByMedium: make(map[int]LoadStats),
	}
}

func (n *Node) State() HeartbeatState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) SetState(s HeartbeatState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// AdvertisesMedium reports whether the node has been configured with the
// given medium index.
func (n *Node) AdvertisesMedium(mediumIndex int) bool {
	for _, m := range n.Media {
		if m == mediumIndex {
			return true
		}
	}
	return false
}

// SetLoad records the node's self-reported load for a medium from a
// heartbeat.
func (n *Node) SetLoad(mediumIndex int, l LoadStats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loadByMedium[mediumIndex] = l
}

// Load returns the last reported load for a medium.
func (n *Node) Load(mediumIndex int) LoadStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loadByMedium[mediumIndex]
}

// FillFactor is usedBytes / (usedBytes + freeBytes) for a medium, the
// basis of the fill-factor index in spec §4.3. Returns 0 if no load has
// been reported or free+used is 0.
func (n *Node) FillFactor(mediumIndex int) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l := n.loadByMedium[mediumIndex]
	total := l.UsedBytes + l.FreeBytes
	if total <= 0 {
		return 0
	}
	return float64(l.UsedBytes) / float64(total)
}

func (n *Node) IsFull(mediumIndex int) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loadByMedium[mediumIndex].Full
}

// SessionCount returns the node's currently active write/replicate/seal
// session count, as last reported.
func (n *Node) SessionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionCount
}

func (n *Node) SetSessionCount(c int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessionCount = c
}

// HintSession increments the in-memory hinted-session counter used to
// spread load across placement decisions within one scheduling cycle
// (spec §4.3), reset to zero by ResetHints when the node's next heartbeat
// is applied.
func (n *Node) HintSession() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hintedSessions++
}

func (n *Node) HintedSessions() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hintedSessions
}

// ResetHints clears the hinted-session counter; called once per
// heartbeat after the real session count has been applied.
func (n *Node) ResetHints() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hintedSessions = 0
}

// Registry is the master's set of all known storage nodes, keyed by id.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[uuid.UUID]*Node)}
}

func (r *Registry) Register(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

func (r *Registry) Get(id uuid.UUID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Online returns all nodes currently in the Online state.
func (r *Registry) Online() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.State() == NodeOnline {
			out = append(out, n)
		}
	}
	return out
}

// Count returns the total number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
