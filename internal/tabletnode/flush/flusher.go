// Package flush implements the tablet node's store flusher, compactor,
// trimmer, and sweeper: periodic, semaphore-bounded background scans that
// drain a tablet's dynamic stores into chunks and reclaim space (spec
// §4.8, grounded on original_source's store_flusher.cpp and
// store_preloader.cpp, structurally on the teacher's
// internal/orchestrator periodic-scan pattern, here riding
// internal/scansched).
package flush

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"tabstore/internal/chunktree"
	"tabstore/internal/logging"
	"tabstore/internal/mutation"
	"tabstore/internal/scansched"
	"tabstore/internal/tabletnode/inmemory"
	"tabstore/internal/tabletnode/store"
	"tabstore/internal/tabletnode/storemgr"
)

// StoreState tracks a passive store's flush lifecycle (spec §4.8: "back
// off the store (PassiveDynamic -> FlushFailed -> PassiveDynamic after
// cooldown)").
type StoreState int

const (
	StatePassiveDynamic StoreState = iota
	StateFlushing
	StateFlushFailed
)

// ChunkWriter is the versioned chunk writer the flush task streams rows
// into; spec §6 lists chunk I/O as an external interface, so this is an
// injected dependency rather than an implementation.
type ChunkWriter interface {
	WriteRow(key string, values map[string]any) error
	Close(ctx context.Context) (chunktree.ChunkID, error)
}

// ChunkWriterFactory opens a new versioned chunk writer for a tablet,
// with ChunksEden = true per spec §4.8.
type ChunkWriterFactory func(ctx context.Context, tabletID uuid.UUID) (ChunkWriter, error)

// MutationPoster submits a mutation to the tablet cell's replicated state
// machine and waits for it to apply.
type MutationPoster interface {
	Post(ctx context.Context, m mutation.Mutation) error
}

// Tablet bundles everything the flusher needs about one registered
// tablet: its store manager, a way to open chunk writers for it, and
// where to post the resulting mutations.
type Tablet struct {
	ID            uuid.UUID
	Manager       *storemgr.Manager
	WriterFactory ChunkWriterFactory
	Poster        MutationPoster
}

// Flusher periodically scans every registered tablet, schedules
// rotations, and flushes flushable passive stores (spec §4.8).
type Flusher struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	MaxRowsPerRead int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// Preloader and InMemoryMode, when set, preload a freshly flushed
	// chunk store into memory immediately, so a tablet configured for
	// in-memory mode never serves a cold read through the about-to-be-
	// discarded backing store (spec §4.6, §4.8).
	Preloader    *inmemory.Preloader
	InMemoryMode inmemory.Mode

	mu      sync.Mutex
	tablets map[uuid.UUID]*Tablet
	states  map[uuid.UUID]StoreState // keyed by store id
	failed  map[uuid.UUID]int        // consecutive failure count, by store id
	cooldownUntil map[uuid.UUID]time.Time
}

// NewFlusher creates a flusher with maxConcurrentFlushes semaphore slots
// (spec §5: "max concurrent flushes per node").
func NewFlusher(maxConcurrentFlushes int64, maxRowsPerRead int, logger *slog.Logger) *Flusher {
	if maxConcurrentFlushes <= 0 {
		maxConcurrentFlushes = 4
	}
	if maxRowsPerRead <= 0 {
		maxRowsPerRead = 1000
	}
	return &Flusher{
		logger:         logging.Default(logger).With("component", "flush.flusher"),
		sem:            semaphore.NewWeighted(maxConcurrentFlushes),
		MaxRowsPerRead: maxRowsPerRead,
		BackoffBase:    time.Second,
		BackoffMax:     2 * time.Minute,
		tablets:        make(map[uuid.UUID]*Tablet),
		states:         make(map[uuid.UUID]StoreState),
		failed:         make(map[uuid.UUID]int),
		cooldownUntil:  make(map[uuid.UUID]time.Time),
	}
}

// RegisterTablet adds (or replaces) a tablet the flusher scans.
func (f *Flusher) RegisterTablet(t *Tablet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tablets[t.ID] = t
}

// UnregisterTablet removes a tablet, e.g. when its slot is unmounted.
func (f *Flusher) UnregisterTablet(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tablets, id)
}

// RegisterScan wires the flusher's scan as a periodic scansched scan
// named "flush" on the given cron expression.
func (f *Flusher) RegisterScan(sched *scansched.Scheduler, cronExpr string) error {
	return sched.AddScan("flush", cronExpr, f.Scan)
}

// Scan is the periodic entry point: for every registered tablet, it
// requests rotation if due and flushes any ready passive stores.
func (f *Flusher) Scan(ctx context.Context, progress *scansched.Progress) {
	f.mu.Lock()
	tablets := make([]*Tablet, 0, len(f.tablets))
	for _, t := range f.tablets {
		tablets = append(tablets, t)
	}
	f.mu.Unlock()

	progress.SetRunning(int64(len(tablets)))
	for _, t := range tablets {
		if ok, reason := t.Manager.ShouldRotate(time.Now(), false); ok {
			f.logger.Info("scheduling rotation", "tablet", t.ID, "reason", reason)
			t.Manager.MarkRotationPending()
		}
		for _, passive := range t.Manager.PassiveStores() {
			if !f.readyToFlush(passive.ID) {
				continue
			}
			if err := f.flushOne(ctx, t, passive); err != nil {
				f.logger.Warn("flush failed", "tablet", t.ID, "store", passive.ID, "error", err)
				progress.IncrDone(1)
				continue
			}
			progress.IncrDone(1)
		}
	}
	progress.Complete(time.Now())
}

func (f *Flusher) readyToFlush(storeID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if until, ok := f.cooldownUntil[storeID]; ok && time.Now().Before(until) {
		return false
	}
	if f.states[storeID] == StateFlushing {
		return false
	}
	return true
}

// flushOne runs the flush task for a single passive store (spec §4.8
// flusher task).
func (f *Flusher) flushOne(ctx context.Context, t *Tablet, s *store.SortedDynamicStore) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)

	f.setState(s.ID, StateFlushing)

	writer, err := t.WriterFactory(ctx, t.ID)
	if err != nil {
		f.onFlushFailure(s.ID)
		return fmt.Errorf("flush: open chunk writer: %w", err)
	}

	rows := s.GetAllRows()
	for i := 0; i < len(rows); i += f.MaxRowsPerRead {
		end := i + f.MaxRowsPerRead
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[i:end] {
			values, live := row.ValueAt(s, store.Timestamp(^uint64(0)))
			if !live {
				continue
			}
			if err := writer.WriteRow(string(row.Key), values); err != nil {
				f.onFlushFailure(s.ID)
				return fmt.Errorf("flush: write row: %w", err)
			}
		}
	}

	chunkID, err := writer.Close(ctx)
	if err != nil {
		f.onFlushFailure(s.ID)
		return fmt.Errorf("flush: close chunk writer: %w", err)
	}

	payload := CommitTabletStoresUpdatePayload{
		TabletID:       t.ID,
		StoresToRemove: []uuid.UUID{s.ID},
		StoresToAdd:    []NewChunkStoreRef{{ChunkID: chunkID, BackingStoreID: s.ID}},
	}
	m, err := mutation.Encode(mutation.KindCommitTabletStoresUpdate, uuid.New().String(), payload)
	if err != nil {
		f.onFlushFailure(s.ID)
		return fmt.Errorf("flush: encode mutation: %w", err)
	}
	if err := t.Poster.Post(ctx, m); err != nil {
		f.onFlushFailure(s.ID)
		return fmt.Errorf("flush: post commit-tablet-stores-update: %w", err)
	}

	f.attachFlushedChunkStore(ctx, t, s, chunkID)

	f.onFlushSuccess(s.ID)
	t.Manager.RemovePassiveStore(s)
	return nil
}

// attachFlushedChunkStore registers the chunk store produced by a
// successful flush with the tablet's partition, keeping s installed as
// its backing store until the chunk is preloaded into memory (spec
// §4.8: "backing-store-id for read-before-flush-ack"). Failures here are
// logged, not propagated: the flush itself already committed.
func (f *Flusher) attachFlushedChunkStore(ctx context.Context, t *Tablet, s *store.SortedDynamicStore, chunkID chunktree.ChunkID) {
	minKey, _ := s.MinKey()
	maxKey, _ := s.MaxKey()
	cs := store.NewChunkStore(chunkID, minKey, maxKey, store.Timestamp(0), store.Timestamp(^uint64(0)))
	cs.SetBacking(s)

	if err := t.Manager.AddChunkStore(cs); err != nil {
		f.logger.Warn("attach flushed chunk store failed", "tablet", t.ID, "chunk", chunkID, "error", err)
		return
	}

	if f.Preloader == nil || f.InMemoryMode == inmemory.ModeNone {
		return
	}
	if err := f.Preloader.Preload(ctx, cs, f.InMemoryMode); err != nil {
		f.logger.Warn("preload flushed chunk store failed", "tablet", t.ID, "chunk", chunkID, "error", err)
		return
	}
	cs.ClearBacking()
}

func (f *Flusher) setState(storeID uuid.UUID, s StoreState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[storeID] = s
}

func (f *Flusher) onFlushFailure(storeID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[storeID] = StateFlushFailed
	f.failed[storeID]++
	d := f.BackoffBase * time.Duration(1<<uint(minInt(f.failed[storeID]-1, 10)))
	if d > f.BackoffMax {
		d = f.BackoffMax
	}
	f.cooldownUntil[storeID] = time.Now().Add(d)
}

func (f *Flusher) onFlushSuccess(storeID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, storeID)
	delete(f.failed, storeID)
	delete(f.cooldownUntil, storeID)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CommitTabletStoresUpdatePayload is the mutation payload posted after a
// successful flush (spec §4.8: "stores-to-remove ... stores-to-add").
type CommitTabletStoresUpdatePayload struct {
	TabletID       uuid.UUID          `msgpack:"tablet_id"`
	StoresToRemove []uuid.UUID        `msgpack:"stores_to_remove"`
	StoresToAdd    []NewChunkStoreRef `msgpack:"stores_to_add"`
}

// NewChunkStoreRef describes a chunk store produced by a flush or compaction.
type NewChunkStoreRef struct {
	ChunkID        chunktree.ChunkID `msgpack:"chunk_id"`
	BackingStoreID uuid.UUID         `msgpack:"backing_store_id"`
}

// ForcedRotationCandidates returns the tablets whose active stores should
// be force-rotated to relieve tablet-dynamic memory pressure (spec §4.8
// forced rotation). Tablets are taken in ascending order of estimated
// size, smallest first, until their estimates sum to at least
// neededBytes.
func ForcedRotationCandidates(tablets []*Tablet, neededBytes int64, estimateBytes func(*storemgr.Manager) int64) []*Tablet {
	type weighted struct {
		t    *Tablet
		size int64
	}
	ws := make([]weighted, 0, len(tablets))
	for _, t := range tablets {
		ws = append(ws, weighted{t, estimateBytes(t.Manager)})
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].size < ws[j].size })

	var relieved int64
	var out []*Tablet
	for _, w := range ws {
		if relieved >= neededBytes {
			break
		}
		out = append(out, w.t)
		relieved += w.size
	}
	return out
}
