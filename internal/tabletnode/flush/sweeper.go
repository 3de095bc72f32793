package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunktree"
	"tabstore/internal/logging"
	"tabstore/internal/scansched"
)

// HunkReferenceSource reports the set of hunk chunk ids a tablet's
// current stores still reference, so the sweeper can diff it against the
// full set of hunk chunks the tablet owns (spec §4.8: "sweeper removes
// hunk chunks no longer referenced").
type HunkReferenceSource interface {
	ReferencedHunkChunks(tabletID uuid.UUID) (map[chunktree.ChunkID]struct{}, error)
	AllHunkChunks(tabletID uuid.UUID) ([]chunktree.ChunkID, error)
}

// HunkRemover deletes a hunk chunk that is no longer referenced by
// anything, typically by posting an unregister-chunk mutation.
type HunkRemover interface {
	RemoveHunkChunk(ctx context.Context, tabletID uuid.UUID, id chunktree.ChunkID) error
}

// SweeperTablet is a tablet registered for hunk-chunk sweeping.
type SweeperTablet struct {
	ID      uuid.UUID
	Source  HunkReferenceSource
	Remover HunkRemover
}

// Sweeper periodically removes hunk chunks no longer referenced by any
// store (spec §4.8).
type Sweeper struct {
	logger *slog.Logger

	mu      sync.Mutex
	tablets map[uuid.UUID]*SweeperTablet
}

// NewSweeper creates a sweeper.
func NewSweeper(logger *slog.Logger) *Sweeper {
	return &Sweeper{
		logger:  logging.Default(logger).With("component", "flush.sweeper"),
		tablets: make(map[uuid.UUID]*SweeperTablet),
	}
}

// RegisterTablet adds a tablet to the sweeper's scan set.
func (sw *Sweeper) RegisterTablet(t *SweeperTablet) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.tablets[t.ID] = t
}

// RegisterScan wires the sweeper's scan as a periodic scansched scan.
func (sw *Sweeper) RegisterScan(sched *scansched.Scheduler, cronExpr string) error {
	return sched.AddScan("sweep", cronExpr, sw.Scan)
}

// Scan diffs each tablet's full hunk chunk set against its referenced
// set and removes the unreferenced ones.
func (sw *Sweeper) Scan(ctx context.Context, progress *scansched.Progress) {
	sw.mu.Lock()
	tablets := make([]*SweeperTablet, 0, len(sw.tablets))
	for _, t := range sw.tablets {
		tablets = append(tablets, t)
	}
	sw.mu.Unlock()

	progress.SetRunning(int64(len(tablets)))
	for _, t := range tablets {
		referenced, err := t.Source.ReferencedHunkChunks(t.ID)
		if err != nil {
			sw.logger.Warn("sweep: list referenced hunk chunks", "tablet", t.ID, "error", err)
			progress.IncrDone(1)
			continue
		}
		all, err := t.Source.AllHunkChunks(t.ID)
		if err != nil {
			sw.logger.Warn("sweep: list all hunk chunks", "tablet", t.ID, "error", err)
			progress.IncrDone(1)
			continue
		}
		for _, id := range all {
			if _, ok := referenced[id]; ok {
				continue
			}
			if err := t.Remover.RemoveHunkChunk(ctx, t.ID, id); err != nil {
				sw.logger.Warn("sweep: remove unreferenced hunk chunk", "tablet", t.ID, "chunk", id, "error", err)
			}
		}
		progress.IncrDone(1)
	}
	progress.Complete(time.Now())
}
