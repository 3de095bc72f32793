package inmemory

import (
	"context"
	"errors"
	"testing"

	"tabstore/internal/chunktree"
	"tabstore/internal/tabletnode/store"
)

type fakeReader struct {
	meta       Meta
	blocks     []Block
	metaErr    error
	blocksErr  error
}

func (f *fakeReader) ReadMeta(ctx context.Context, cs *store.ChunkStore) (Meta, error) {
	return f.meta, f.metaErr
}

func (f *fakeReader) ReadBlocks(ctx context.Context, cs *store.ChunkStore) ([]Block, error) {
	return f.blocks, f.blocksErr
}

func newChunkStore() *store.ChunkStore {
	id := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)
	return store.NewChunkStore(id, "a", "z", 0, 0)
}

func TestPreloadInstallsRecordOnSuccess(t *testing.T) {
	cs := newChunkStore()
	reader := &fakeReader{
		meta:   Meta{ConfigRevision: 1, BlockSizes: []int64{3}, KeyToOffset: map[store.RowKey]int{"k": 0}},
		blocks: []Block{{ID: 0, Type: "data", Data: []byte("abc")}},
	}
	interceptor := NewInterceptor(NewBudget(0), 0)
	p := NewPreloader(interceptor, reader, func() uint64 { return 1 }, 1, 1, nil)

	if err := p.Preload(context.Background(), cs, ModeCompressed); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	cd, ok := interceptor.Get(cs.ChunkID)
	if !ok {
		t.Fatal("expected chunk data installed")
	}
	if !cd.Finalized() {
		t.Fatal("expected chunk data finalized")
	}
	if !cs.HasLookupTable() {
		t.Fatal("expected chunk store to get a lookup table")
	}
}

func TestPreloadFailsFastOnConfigRevisionMismatch(t *testing.T) {
	cs := newChunkStore()
	reader := &fakeReader{meta: Meta{ConfigRevision: 1}}
	interceptor := NewInterceptor(NewBudget(0), 0)
	p := NewPreloader(interceptor, reader, func() uint64 { return 2 }, 1, 1, nil)

	if err := p.Preload(context.Background(), cs, ModeCompressed); err == nil {
		t.Fatal("expected config revision mismatch error")
	}
}

func TestPreloadAbortsOverMemoryBudget(t *testing.T) {
	cs := newChunkStore()
	reader := &fakeReader{meta: Meta{ConfigRevision: 1, BlockSizes: []int64{100}}}
	interceptor := NewInterceptor(NewBudget(10), 0)
	p := NewPreloader(interceptor, reader, func() uint64 { return 1 }, 1, 1, nil)

	if err := p.Preload(context.Background(), cs, ModeCompressed); !errors.Is(err, ErrMemoryExceeded) {
		t.Fatalf("got %v, want ErrMemoryExceeded", err)
	}
}

func TestBackoffForDoublesUpToMax(t *testing.T) {
	p := &Preloader{BackoffBase: 1, BackoffMax: 4}
	if d := p.BackoffFor(1); d != 1 {
		t.Fatalf("got %d", d)
	}
	if d := p.BackoffFor(2); d != 2 {
		t.Fatalf("got %d", d)
	}
	if d := p.BackoffFor(5); d != 4 {
		t.Fatalf("got %d, want capped at 4", d)
	}
}
