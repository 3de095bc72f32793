// Package replicator implements the chunk replicator (spec §4.4):
// per-chunk status classification against replication factor, and
// heartbeat-driven job scheduling to reconcile that status, plus the
// sealer half of the same scanning loop for journal chunks.
package replicator

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"tabstore/internal/chunkserver"
	"tabstore/internal/chunktree"
)

// Status classifies a chunk's replication health (spec §4.4).
type Status int

const (
	StatusOK Status = iota
	StatusLost
	StatusUnderReplicated
	StatusOverReplicated
	StatusMisplaced
	StatusQuorumMissing
	StatusDataMissing   // erasure: a data part is missing
	StatusParityMissing // erasure: a parity part is missing
	StatusUnsafelyPlaced
	StatusInconsistentlyPlaced
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusLost:
		return "lost"
	case StatusUnderReplicated:
		return "under_replicated"
	case StatusOverReplicated:
		return "over_replicated"
	case StatusMisplaced:
		return "misplaced"
	case StatusQuorumMissing:
		return "quorum_missing"
	case StatusDataMissing:
		return "data_missing"
	case StatusParityMissing:
		return "parity_missing"
	case StatusUnsafelyPlaced:
		return "unsafely_placed"
	case StatusInconsistentlyPlaced:
		return "inconsistently_placed"
	default:
		return "unknown"
	}
}

// ReplicaCounts is the per-medium stored/cached/plus/minus bookkeeping
// computed each scan (spec §4.4: "stored, cached, plus (replicas being
// written), and minus (replicas pending removal) counts per medium").
type ReplicaCounts struct {
	Stored int
	Cached int
	Plus   int
	Minus  int
}

// Classify computes a chunk's replication Status for one medium, given
// its current replica placement, the registry of known racks, and the
// chunk's configured replication factor and quorum requirements (spec
// §4.4). Journal chunks are only classified once sealed; an unsealed
// journal chunk is always StatusOK here, since write-quorum maintenance
// for it belongs to the sealer, not the replicator.
func Classify(c *chunktree.Chunk, mediumIndex int, registry *chunkserver.Registry, rf int) Status {
	if c.ID.IsJournal() && !c.IsSealed() {
		return StatusOK
	}

	replicas := c.StoredOnMedium(mediumIndex)
	live := 0
	racks := map[string]int{}
	var liveRacks []string
	for _, r := range replicas {
		n, ok := registry.Get(r.NodeID)
		if !ok || n.State() != chunkserver.NodeOnline {
			continue
		}
		live++
		if racks[n.Rack] == 0 {
			liveRacks = append(liveRacks, n.Rack)
		}
		racks[n.Rack]++
	}

	if live == 0 {
		return StatusLost
	}
	if c.ID.IsErasure() {
		return classifyErasure(live, rf)
	}
	if live < c.ReadQuorum && rf > 0 {
		return StatusQuorumMissing
	}
	if live < rf {
		return StatusUnderReplicated
	}
	if live > rf {
		return StatusOverReplicated
	}
	if len(liveRacks) == 1 && live > 1 {
		return StatusUnsafelyPlaced
	}
	return StatusOK
}

// classifyErasure applies a simplified data/parity threshold: erasure
// detail (exact part indices, reed-solomon layout) is out of spec scope
// (§1 Non-goals: "implementing erasure coding math"). rf is taken as the
// total part count the chunk was striped into, and the live part count is
// bucketed against it: below a third of rf (half of the two-thirds data
// threshold) is data-missing, below two thirds is parity-missing, and
// below rf is under-replicated.
func classifyErasure(live, rf int) Status {
	if rf <= 0 {
		return StatusOK
	}
	dataThreshold := (rf * 2) / 3
	if live < dataThreshold/2 {
		return StatusDataMissing
	}
	if live < dataThreshold {
		return StatusParityMissing
	}
	if live < rf {
		return StatusUnderReplicated
	}
	return StatusOK
}

// JobKind enumerates the replicator's job types (spec §4.4).
type JobKind int

const (
	JobReplicate JobKind = iota
	JobBalance
	JobRemove
	JobSeal
)

// JobState tracks a dispatched job's lifecycle as observed through
// subsequent heartbeats (spec §4.4: "jobs are stopped when they are
// unknown to the node, have timed out, or have already completed or
// failed").
type JobState int

const (
	JobRunning JobState = iota
	JobCompleted
	JobFailed
	JobTimedOut
	JobUnknown
)

// Job is one in-flight replicator directive sent to a node.
type Job struct {
	ID          uuid.UUID
	Kind        JobKind
	ChunkID     chunktree.ChunkID
	NodeID      uuid.UUID // node the job runs on
	SourceNode  uuid.UUID // for balance/replicate: node to copy from
	MediumIndex int
	Priority    int // 0 = highest; set from the replication factor by priorityFor
	State       JobState
}

// priorityFor assigns job priority strictly from replication factor, per
// spec §4.4's literal rule: "rf==1 -> 0 (highest), rf==2 -> 1, rf>=3 ->
// 2".
func priorityFor(rf int) int {
	switch {
	case rf <= 1:
		return 0
	case rf == 2:
		return 1
	default:
		return 2
	}
}

// NewReplicationJob builds a job to correct a chunk's classified
// replication status, choosing JobRemove for an over-replicated chunk
// and JobReplicate otherwise, with Priority derived from rf via
// priorityFor (spec §4.4).
func NewReplicationJob(status Status, chunkID chunktree.ChunkID, nodeID, sourceNode uuid.UUID, mediumIndex, rf int) *Job {
	kind := JobReplicate
	if status == StatusOverReplicated {
		kind = JobRemove
	}
	return &Job{
		ID:          uuid.New(),
		Kind:        kind,
		ChunkID:     chunkID,
		NodeID:      nodeID,
		SourceNode:  sourceNode,
		MediumIndex: mediumIndex,
		Priority:    priorityFor(rf),
	}
}

// NodeBudget caps how many jobs of each kind may be outstanding on one
// node at a time, preventing a single heartbeat cycle from overloading a
// node with replication work (spec §4.4).
type NodeBudget struct {
	MaxReplicationJobs int
	MaxBalancingJobs   int
	MaxRemovalJobs     int
}

var DefaultNodeBudget = NodeBudget{MaxReplicationJobs: 4, MaxBalancingJobs: 2, MaxRemovalJobs: 8}

// Scheduler drains per-node job queues against a budget and reconciles
// job state against heartbeat reports (spec §4.4).
type Scheduler struct {
	mu     sync.Mutex
	budget NodeBudget

	// queued holds jobs not yet dispatched, grouped by node and ordered
	// by ascending priority (and thus insertion order within a priority
	// via a stable sort at Drain time).
	queued map[uuid.UUID][]*Job
	// running holds jobs dispatched to a node awaiting heartbeat
	// confirmation.
	running map[uuid.UUID]map[uuid.UUID]*Job
}

func NewScheduler(budget NodeBudget) *Scheduler {
	if budget == (NodeBudget{}) {
		budget = DefaultNodeBudget
	}
	return &Scheduler{
		budget:  budget,
		queued:  make(map[uuid.UUID][]*Job),
		running: make(map[uuid.UUID]map[uuid.UUID]*Job),
	}
}

// Enqueue adds a job to its target node's queue.
func (s *Scheduler) Enqueue(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[j.NodeID] = append(s.queued[j.NodeID], j)
}

func budgetFor(kind JobKind, b NodeBudget) int {
	switch kind {
	case JobReplicate, JobSeal:
		return b.MaxReplicationJobs
	case JobBalance:
		return b.MaxBalancingJobs
	case JobRemove:
		return b.MaxRemovalJobs
	default:
		return 0
	}
}

// Drain dispatches as many queued jobs for nodeID as its per-kind budget
// allows, given its current running-job counts, returning the jobs now
// considered running. Higher-priority jobs (lower Priority value) are
// dispatched first (spec §4.4).
func (s *Scheduler) Drain(nodeID uuid.UUID) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.queued[nodeID]
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Priority < pending[j].Priority })

	running := s.running[nodeID]
	if running == nil {
		running = make(map[uuid.UUID]*Job)
		s.running[nodeID] = running
	}
	inFlight := map[JobKind]int{}
	for _, j := range running {
		inFlight[j.Kind]++
	}

	var dispatched []*Job
	var remaining []*Job
	for _, j := range pending {
		cap := budgetFor(j.Kind, s.budget)
		if inFlight[j.Kind] < cap {
			j.State = JobRunning
			running[j.ID] = j
			inFlight[j.Kind]++
			dispatched = append(dispatched, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	s.queued[nodeID] = remaining
	return dispatched
}

// Reconcile applies a heartbeat's job-status report: jobs the node no
// longer reports are marked JobUnknown and dropped from running, and
// jobs explicitly reported as completed/failed/timed-out are dropped
// too (spec §4.4: "stop jobs unknown to the node, timed out, completed,
// or failed").
func (s *Scheduler) Reconcile(nodeID uuid.UUID, reported map[uuid.UUID]JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.running[nodeID]
	for id, j := range running {
		st, ok := reported[id]
		if !ok {
			j.State = JobUnknown
			delete(running, id)
			continue
		}
		switch st {
		case JobCompleted, JobFailed, JobTimedOut:
			delete(running, id)
		default:
			j.State = st
		}
	}
}

// RunningCount returns the number of jobs currently dispatched to a
// node.
func (s *Scheduler) RunningCount(nodeID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running[nodeID])
}

// Gate reports whether replication scheduling should run at all this
// cycle, per spec §4.4's safety valves: too few online nodes, or too
// large a fraction of chunks currently lost, disables scheduling to
// avoid making things worse (e.g. during a mass reboot).
type Gate struct {
	MinOnlineNodeCount  int
	MaxLostChunkFraction float64
}

func (g Gate) Allows(onlineNodes, totalChunks, lostChunks int) bool {
	if onlineNodes < g.MinOnlineNodeCount {
		return false
	}
	if totalChunks == 0 {
		return true
	}
	return float64(lostChunks)/float64(totalChunks) <= g.MaxLostChunkFraction
}
