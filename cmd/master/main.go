// Command master runs the table store control plane: node tracking,
// chunk placement, and replication scheduling, replicated across peers
// by Hydra.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tabstore/internal/chunkserver"
	"tabstore/internal/chunkserver/nodetracker"
	"tabstore/internal/chunkserver/placement"
	"tabstore/internal/chunkserver/replicator"
	"tabstore/internal/chunktree"
	"tabstore/internal/hydra"
	"tabstore/internal/logging"
	"tabstore/internal/mutation"
	"tabstore/internal/scansched"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "master",
		Short: "Run the table store master control plane",
	}
	rootCmd.PersistentFlags().String("data-dir", "./data/master", "hydra log/snapshot directory")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the master replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			nodeID, _ := cmd.Flags().GetString("node-id")
			bindAddr, _ := cmd.Flags().GetString("bind")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			rf, _ := cmd.Flags().GetInt("replication-factor")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, config{
				dataDir:            dataDir,
				nodeID:             nodeID,
				bindAddr:           bindAddr,
				bootstrap:          bootstrap,
				replicationFactor:  rf,
			})
		},
	}
	serveCmd.Flags().String("node-id", "master-1", "raft server id for this replica")
	serveCmd.Flags().String("bind", "127.0.0.1:7400", "raft transport bind address")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a fresh single-replica cluster")
	serveCmd.Flags().Int("replication-factor", 3, "default chunk replication factor")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type config struct {
	dataDir           string
	nodeID            string
	bindAddr          string
	bootstrap         bool
	replicationFactor int
}

// masterState bundles the control plane's non-replicated working set
// (node registry, lease tracker, chunk tree, placement index,
// replication scheduler) alongside the replicated Hydra FSM that
// serializes mutations to them (spec §4.2-§4.5).
type masterState struct {
	logger   *slog.Logger
	registry *chunkserver.Registry
	tracker  *nodetracker.Tracker
	chunks   *chunktree.Tree
	index    *placement.Index
	sched    *replicator.Scheduler
	node     *hydra.Node

	defaultRF int
}

// UnregisterNode implements nodetracker.Mutator by proposing an
// UnregisterNode mutation through Hydra rather than mutating the
// registry directly, keeping lease expiry on the same write path as
// every other state change (spec §5).
func (m *masterState) UnregisterNode(id uuid.UUID) error {
	mu, err := mutation.Encode(mutation.KindUnregisterNode, id.String(), unregisterNodePayload{NodeID: id})
	if err != nil {
		return err
	}
	return m.node.Apply(mu, 5*time.Second)
}

// scheduleReplicationFor classifies one chunk on each medium it is
// replicated on and enqueues a replicator job to correct it if its
// status isn't StatusOK, choosing a removal target for an
// over-replicated chunk and a placement target otherwise (spec §4.3,
// §4.4). Chunks with no per-medium replication factor recorded fall
// back to the master's configured default replication factor.
func (m *masterState) scheduleReplicationFor(c *chunktree.Chunk) {
	media := c.ReplicationFactor
	if len(media) == 0 {
		media = map[int]int{0: m.defaultRF}
	}
	for mediumIndex, rf := range media {
		if rf <= 0 {
			rf = m.defaultRF
		}
		status := replicator.Classify(c, mediumIndex, m.registry, rf)
		if status == replicator.StatusOK {
			continue
		}

		if status == replicator.StatusOverReplicated {
			holders := make([]*chunkserver.Node, 0)
			for _, r := range c.StoredOnMedium(mediumIndex) {
				if n, ok := m.registry.Get(r.NodeID); ok {
					holders = append(holders, n)
				}
			}
			targets := m.index.RemovalTargets(mediumIndex, holders)
			if len(targets) == 0 {
				continue
			}
			job := replicator.NewReplicationJob(status, c.ID, targets[0].ID, uuid.UUID{}, mediumIndex, rf)
			m.sched.Enqueue(job)
			continue
		}

		existingRacks := map[string]int{}
		var source uuid.UUID
		for _, r := range c.StoredOnMedium(mediumIndex) {
			if n, ok := m.registry.Get(r.NodeID); ok {
				existingRacks[n.Rack]++
				source = n.ID
			}
		}
		targets, err := m.index.SelectTargets(placement.Constraints{MediumIndex: mediumIndex}, 1, existingRacks)
		if err != nil || len(targets) == 0 {
			continue
		}
		job := replicator.NewReplicationJob(status, c.ID, targets[0].ID, source, mediumIndex, rf)
		m.sched.Enqueue(job)
	}
}

type registerNodePayload struct {
	NodeID  uuid.UUID `msgpack:"node_id"`
	Address string    `msgpack:"address"`
	Rack    string    `msgpack:"rack"`
	Media   []int     `msgpack:"media"`
}

type unregisterNodePayload struct {
	NodeID uuid.UUID `msgpack:"node_id"`
}

type heartbeatPayload struct {
	NodeID       uuid.UUID                     `msgpack:"node_id"`
	State        chunkserver.HeartbeatState    `msgpack:"state"`
	Load         map[int]chunkserver.LoadStats `msgpack:"load"`
	SessionCount int                           `msgpack:"session_count"`

	// ReportedJobs lets a node's heartbeat confirm or retire replicator
	// jobs dispatched to it, driving Scheduler.Reconcile the same cycle
	// (spec §4.4: "jobs are stopped when they are unknown to the node,
	// have timed out, or have already completed or failed").
	ReportedJobs map[uuid.UUID]replicator.JobState `msgpack:"reported_jobs"`
}

// createChunkPayload proposes a new chunk. ChunkUUID is generated by the
// proposer (not the handler) so every replica registers the same id on
// Apply, since chunktree.Tree.NewChunk draws fresh randomness that would
// otherwise diverge across replicas (spec §4.1: mutation application
// must be deterministic).
type createChunkPayload struct {
	ChunkUUID         uuid.UUID                 `msgpack:"chunk_uuid"`
	ObjectType        chunktree.ChunkObjectType `msgpack:"object_type"`
	ReplicationFactor map[int]int               `msgpack:"replication_factor"`
	ReadQuorum        int                       `msgpack:"read_quorum"`
	WriteQuorum       int                       `msgpack:"write_quorum"`
	Vital             bool                      `msgpack:"vital"`
	Movable           bool                      `msgpack:"movable"`
}

// confirmChunkPayload records that a replica successfully wrote a chunk
// (spec §4.4: chunks start unconfirmed until a client reports at least
// one write succeeded).
type confirmChunkPayload struct {
	ChunkUUID   uuid.UUID                 `msgpack:"chunk_uuid"`
	ObjectType  chunktree.ChunkObjectType `msgpack:"object_type"`
	NodeID      uuid.UUID                 `msgpack:"node_id"`
	MediumIndex int                       `msgpack:"medium_index"`
}

// sealChunkPayload finalizes a journal chunk's row count once the
// sealer's quorum row-count query agrees (spec §4.4).
type sealChunkPayload struct {
	ChunkUUID  uuid.UUID                 `msgpack:"chunk_uuid"`
	ObjectType chunktree.ChunkObjectType `msgpack:"object_type"`
	RowCount   int64                     `msgpack:"row_count"`
}

// appendChunkToListPayload attaches an already-created chunk under a
// chunk list (spec §3's DAG).
type appendChunkToListPayload struct {
	ListID     uuid.UUID                `msgpack:"list_id"`
	ChunkUUID  uuid.UUID                `msgpack:"chunk_uuid"`
	ObjectType chunktree.ChunkObjectType `msgpack:"object_type"`
	Stats      chunktree.Statistics      `msgpack:"stats"`
	Unsealed   bool                      `msgpack:"unsealed"`
}

// updateChunkPropertiesPayload changes a chunk's replication factor,
// vitality, or movability without touching its data (spec §4.4).
type updateChunkPropertiesPayload struct {
	ChunkUUID         uuid.UUID                 `msgpack:"chunk_uuid"`
	ObjectType        chunktree.ChunkObjectType `msgpack:"object_type"`
	ReplicationFactor map[int]int               `msgpack:"replication_factor"`
	Vital             *bool                     `msgpack:"vital"`
	Movable           *bool                     `msgpack:"movable"`
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	registry := chunkserver.NewRegistry()
	index := placement.NewIndex(registry)
	sched := replicator.NewScheduler(replicator.DefaultNodeBudget)
	chunks := chunktree.NewTree()

	state := &masterState{
		logger:    logger,
		registry:  registry,
		chunks:    chunks,
		index:     index,
		sched:     sched,
		defaultRF: cfg.replicationFactor,
	}

	fsm := hydra.NewFSM()
	fsm.Register(mutation.KindRegisterNode, func(m mutation.Mutation) error {
		var p registerNodePayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		n := chunkserver.NewNode(p.NodeID, p.Address, p.Rack, p.Media)
		registry.Register(n)
		state.tracker.Renew(p.NodeID)
		logger.Info("node registered", "node", p.NodeID, "address", p.Address)
		return nil
	})
	fsm.Register(mutation.KindUnregisterNode, func(m mutation.Mutation) error {
		var p unregisterNodePayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		registry.Unregister(p.NodeID)
		logger.Info("node unregistered", "node", p.NodeID)
		return nil
	})
	fsm.Register(mutation.KindHeartbeat, func(m mutation.Mutation) error {
		var p heartbeatPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		n, ok := registry.Get(p.NodeID)
		if !ok {
			return fmt.Errorf("heartbeat from unregistered node %s", p.NodeID)
		}
		n.SetState(p.State)
		n.SetSessionCount(p.SessionCount)
		n.ResetHints()
		for medium, load := range p.Load {
			n.SetLoad(medium, load)
		}
		state.tracker.Renew(p.NodeID)
		state.sched.Reconcile(p.NodeID, p.ReportedJobs)
		for _, job := range state.sched.Drain(p.NodeID) {
			logger.Info("replicator job dispatched", "node", p.NodeID, "job", job.ID, "kind", job.Kind, "chunk", job.ChunkID)
		}
		return nil
	})
	fsm.Register(mutation.KindCreateChunk, func(m mutation.Mutation) error {
		var p createChunkPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		c := chunks.NewChunkWithID(chunktree.ChunkID{UUID: p.ChunkUUID, ObjectType: p.ObjectType})
		c.ReplicationFactor = p.ReplicationFactor
		c.ReadQuorum = p.ReadQuorum
		c.WriteQuorum = p.WriteQuorum
		c.Vital = p.Vital
		c.Movable = p.Movable
		logger.Info("chunk created", "chunk", c.ID)
		return nil
	})
	fsm.Register(mutation.KindConfirmChunk, func(m mutation.Mutation) error {
		var p confirmChunkPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		c, err := chunks.Chunk(chunktree.ChunkID{UUID: p.ChunkUUID, ObjectType: p.ObjectType})
		if err != nil {
			return err
		}
		if err := c.AddStoredReplica(chunktree.ReplicaLocator{NodeID: p.NodeID, MediumIndex: p.MediumIndex}); err != nil {
			return err
		}
		c.Confirmed = true
		return nil
	})
	fsm.Register(mutation.KindSealChunk, func(m mutation.Mutation) error {
		var p sealChunkPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		c, err := chunks.Chunk(chunktree.ChunkID{UUID: p.ChunkUUID, ObjectType: p.ObjectType})
		if err != nil {
			return err
		}
		c.Meta.Misc.Sealed = true
		c.Meta.Misc.RowCount = p.RowCount
		logger.Info("chunk sealed", "chunk", c.ID, "rows", p.RowCount)
		return nil
	})
	fsm.Register(mutation.KindAppendChunkToList, func(m mutation.Mutation) error {
		var p appendChunkToListPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		list, err := chunks.ChunkList(p.ListID)
		if err != nil {
			return err
		}
		return chunks.AppendChunk(list, chunktree.ChunkID{UUID: p.ChunkUUID, ObjectType: p.ObjectType}, p.Stats, p.Unsealed)
	})
	fsm.Register(mutation.KindUpdateChunkProperties, func(m mutation.Mutation) error {
		var p updateChunkPropertiesPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		c, err := chunks.Chunk(chunktree.ChunkID{UUID: p.ChunkUUID, ObjectType: p.ObjectType})
		if err != nil {
			return err
		}
		if p.ReplicationFactor != nil {
			c.ReplicationFactor = p.ReplicationFactor
		}
		if p.Vital != nil {
			c.Vital = *p.Vital
		}
		if p.Movable != nil {
			c.Movable = *p.Movable
		}
		return nil
	})

	node, err := hydra.Start(hydra.Config{
		NodeID:    cfg.nodeID,
		BindAddr:  cfg.bindAddr,
		DataDir:   cfg.dataDir,
		Bootstrap: cfg.bootstrap,
	}, fsm)
	if err != nil {
		return fmt.Errorf("start hydra node: %w", err)
	}
	state.node = node
	state.tracker = nodetracker.NewTracker(registry, state, nodetracker.DefaultTimeouts)

	sc, err := scansched.New(logger, 4)
	if err != nil {
		return fmt.Errorf("create scan scheduler: %w", err)
	}
	if err := sc.AddScan("lease-sweep", "* * * * *", func(ctx context.Context, progress *scansched.Progress) {
		if !node.IsLeader() {
			return
		}
		expired := state.tracker.Sweep()
		progress.SetRunning(int64(len(expired)))
		for _, id := range expired {
			if err := state.UnregisterNode(id); err != nil {
				logger.Warn("failed to propose lease-expiry unregister", "node", id, "error", err)
			}
			progress.IncrDone(1)
		}
		progress.Complete(time.Now())
	}); err != nil {
		return fmt.Errorf("register lease-sweep scan: %w", err)
	}

	if err := sc.AddScan("replication-scan", "*/10 * * * *", func(ctx context.Context, progress *scansched.Progress) {
		if !node.IsLeader() {
			return
		}
		all := chunks.Chunks()
		progress.SetRunning(int64(len(all)))
		for _, c := range all {
			state.scheduleReplicationFor(c)
			progress.IncrDone(1)
		}
		progress.Complete(time.Now())
	}); err != nil {
		return fmt.Errorf("register replication-scan scan: %w", err)
	}

	logger.Info("master replica ready", "node_id", cfg.nodeID, "bind", cfg.bindAddr, "bootstrap", cfg.bootstrap)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := sc.Stop(); err != nil {
		logger.Warn("scan scheduler stop failed", "error", err)
	}
	return node.Shutdown()
}
