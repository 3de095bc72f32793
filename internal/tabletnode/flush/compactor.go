package flush

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"tabstore/internal/logging"
	"tabstore/internal/scansched"
	"tabstore/internal/tabletnode/store"
	"tabstore/internal/tabletnode/storemgr"
)

// CompactionThreshold configures when adjacent chunk stores within a
// partition are considered small enough to merge.
type CompactionThreshold struct {
	MaxStoreBytes  int64 // a store at or under this size is a merge candidate
	MinStoresToRun int   // don't bother compacting fewer than this many small stores
}

// DefaultCompactionThreshold merges runs of at least 3 stores under 16MiB.
var DefaultCompactionThreshold = CompactionThreshold{
	MaxStoreBytes:  16 << 20,
	MinStoresToRun: 3,
}

// CompactionTablet is a tablet registered for compaction scans.
type CompactionTablet struct {
	ID      uuid.UUID
	Manager *storemgr.Manager
	Merger  PartitionMerger
}

// PartitionMerger performs the actual merge of a run of small chunk
// stores within one partition into a single replacement chunk store,
// posting whatever mutation the tablet cell uses to record it. It is
// injected because "merge" means reading N chunks and writing one new
// chunk, which is chunk I/O: an external interface per spec §6.
type PartitionMerger interface {
	MergeStores(ctx context.Context, tabletID uuid.UUID, partitionIndex int, storeIDs []uuid.UUID) error
}

// Compactor periodically merges small adjacent chunk stores within a
// partition (spec §4.8: "compactor picks small adjacent chunk stores
// within a partition and merges them").
type Compactor struct {
	logger    *slog.Logger
	sem       *semaphore.Weighted
	Threshold CompactionThreshold

	mu      sync.Mutex
	tablets map[uuid.UUID]*CompactionTablet
}

// NewCompactor creates a compactor with maxConcurrent semaphore slots.
func NewCompactor(maxConcurrent int64, threshold CompactionThreshold, logger *slog.Logger) *Compactor {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Compactor{
		logger:    logging.Default(logger).With("component", "flush.compactor"),
		sem:       semaphore.NewWeighted(maxConcurrent),
		Threshold: threshold,
		tablets:   make(map[uuid.UUID]*CompactionTablet),
	}
}

// RegisterTablet adds a tablet to the compactor's scan set.
func (c *Compactor) RegisterTablet(t *CompactionTablet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tablets[t.ID] = t
}

// RegisterScan wires the compactor's scan as a periodic scansched scan.
func (c *Compactor) RegisterScan(sched *scansched.Scheduler, cronExpr string) error {
	return sched.AddScan("compact", cronExpr, c.Scan)
}

// Scan walks every registered tablet's partitions looking for runs of
// small adjacent chunk stores to merge.
func (c *Compactor) Scan(ctx context.Context, progress *scansched.Progress) {
	c.mu.Lock()
	tablets := make([]*CompactionTablet, 0, len(c.tablets))
	for _, t := range c.tablets {
		tablets = append(tablets, t)
	}
	c.mu.Unlock()

	progress.SetRunning(int64(len(tablets)))
	for _, t := range tablets {
		for pi, p := range t.Manager.Partitions() {
			run := c.smallStoreRun(p.Stores)
			if len(run) < c.Threshold.MinStoresToRun {
				continue
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				continue
			}
			ids := make([]uuid.UUID, len(run))
			for i, cs := range run {
				ids[i] = cs.ChunkID.UUID
			}
			if err := t.Merger.MergeStores(ctx, t.ID, pi, ids); err != nil {
				c.logger.Warn("compaction failed", "tablet", t.ID, "partition", pi, "error", err)
			}
			c.sem.Release(1)
		}
		progress.IncrDone(1)
	}
	progress.Complete(time.Now())
}

// smallStoreRun returns the partition's chunk stores at or under the
// size threshold, sorted ascending by size (a simplified "adjacent small
// stores" scan: the original additionally weighs key-range overlap and
// write amplification, which needs real chunk statistics this module's
// Non-goals put out of scope).
func (c *Compactor) smallStoreRun(stores []*store.ChunkStore) []*store.ChunkStore {
	var run []*store.ChunkStore
	for _, cs := range stores {
		if cs.SizeBytes <= c.Threshold.MaxStoreBytes {
			run = append(run, cs)
		}
	}
	sort.Slice(run, func(i, j int) bool { return run[i].SizeBytes < run[j].SizeBytes })
	return run
}
