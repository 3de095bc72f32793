package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"

	"tabstore/internal/logging"
	"tabstore/internal/tabletnode/store"
)

// ChunkReader is the node-to-node chunk I/O surface the preloader needs:
// read a chunk's meta (config revision, block sizes, key blocks) and read
// its blocks. The real reader opens a connection to a chunk replica; spec
// §6 lists this as an external interface the core consumes, so it is
// modeled here as an injected dependency rather than implemented.
type ChunkReader interface {
	ReadMeta(ctx context.Context, cs *store.ChunkStore) (Meta, error)
	ReadBlocks(ctx context.Context, cs *store.ChunkStore) ([]Block, error)
}

// Meta is the subset of chunk meta the preloader needs.
type Meta struct {
	ConfigRevision uint64
	BlockSizes     []int64
	KeyToOffset    map[store.RowKey]int
	Compressed     bool
}

// ConfigRevisionProvider answers the tablet's current config revision, so
// the preloader can fail fast or back off on a stale preload (spec §4.6
// steps 1 and 5).
type ConfigRevisionProvider func() uint64

// Preloader walks chunk stores needing preload and loads them into an
// Interceptor, bounded by a semaphore slot count and the node's memory
// budget (spec §4.6 "Preload of existing chunks").
type Preloader struct {
	Interceptor *Interceptor
	Reader      ChunkReader
	ConfigRev   ConfigRevisionProvider
	Logger      *slog.Logger

	sem *semaphore.Weighted

	// BackoffBase and BackoffMax bound the cooldown applied to a chunk
	// store after a failed preload attempt before it is retried.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	decompressPool *semaphore.Weighted // stands in for the compression thread pool
}

// NewPreloader creates a preloader with maxConcurrent preload slots and
// maxDecompressWorkers concurrent decompression workers.
func NewPreloader(interceptor *Interceptor, reader ChunkReader, configRev ConfigRevisionProvider, maxConcurrent, maxDecompressWorkers int64, logger *slog.Logger) *Preloader {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if maxDecompressWorkers <= 0 {
		maxDecompressWorkers = 4
	}
	return &Preloader{
		Interceptor:    interceptor,
		Reader:         reader,
		ConfigRev:      configRev,
		Logger:         logging.Default(logger).With("component", "inmemory.preloader"),
		sem:            semaphore.NewWeighted(maxConcurrent),
		decompressPool: semaphore.NewWeighted(maxDecompressWorkers),
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
	}
}

// Preload runs the six-step preload sequence from spec §4.6 for a single
// chunk store, acquiring a preload slot for its duration.
func (p *Preloader) Preload(ctx context.Context, cs *store.ChunkStore, mode Mode) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	startRev := p.ConfigRev()

	meta, err := p.Reader.ReadMeta(ctx, cs)
	if err != nil {
		return fmt.Errorf("inmemory: read chunk meta: %w", err)
	}
	if meta.ConfigRevision != startRev {
		return fmt.Errorf("inmemory: config revision changed before read (fail-fast abort)")
	}

	var total int64
	for _, sz := range meta.BlockSizes {
		total += sz
	}
	if !p.Interceptor.Budget.TryAcquire(total) {
		return ErrMemoryExceeded
	}

	blocks, err := p.Reader.ReadBlocks(ctx, cs)
	if err != nil {
		p.Interceptor.Budget.Release(total)
		return fmt.Errorf("inmemory: read chunk blocks: %w", err)
	}

	if mode == ModeUncompressed {
		blocks, err = p.decompressAll(ctx, blocks)
		if err != nil {
			p.Interceptor.Budget.Release(total)
			return fmt.Errorf("inmemory: decompress blocks: %w", err)
		}
	}

	if p.ConfigRev() != startRev {
		p.Interceptor.Budget.Release(total)
		return fmt.Errorf("inmemory: config revision changed during read, backing off")
	}

	cd := NewChunkData(cs.ChunkID, mode, startRev)
	for _, b := range blocks {
		cd.mu.Lock()
		cd.blocks = append(cd.blocks, b)
		cd.reservedLen += int64(len(b.Data))
		cd.mu.Unlock()
	}
	cd.FinalizeChunk(meta.KeyToOffset)

	p.Interceptor.Install(cd)
	cs.SetLookupTable(meta.KeyToOffset)
	return nil
}

// decompressAll decompresses every block on the shared decompression
// pool (standing in for "the compression thread pool" of spec §4.6),
// fanning out up to the pool's weight at a time.
func (p *Preloader) decompressAll(ctx context.Context, blocks []Block) ([]Block, error) {
	out := make([]Block, len(blocks))
	errs := make(chan error, len(blocks))

	for i, b := range blocks {
		if err := p.decompressPool.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int, b Block) {
			defer p.decompressPool.Release(1)
			data, err := decompressBlock(b.Data)
			if err != nil {
				errs <- err
				return
			}
			out[i] = Block{ID: b.ID, Type: b.Type, Data: data}
			errs <- nil
		}(i, b)
	}
	for range blocks {
		if err := <-errs; err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decompressBlock(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// BackoffFor returns the cooldown to apply after the attempt'th
// consecutive preload failure (1-based), doubling from BackoffBase up to
// BackoffMax (spec §4.6: "the store is placed into a back-off cooldown
// ... and rescheduled").
func (p *Preloader) BackoffFor(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.BackoffMax {
			return p.BackoffMax
		}
	}
	return d
}
