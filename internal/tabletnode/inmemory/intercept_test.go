package inmemory

import (
	"testing"
	"time"

	"tabstore/internal/chunktree"
	"tabstore/internal/tabletnode/store"
)

func TestBudgetTryAcquireRespectsLimit(t *testing.T) {
	b := NewBudget(10)
	if !b.TryAcquire(6) {
		t.Fatal("expected first acquire to succeed")
	}
	if b.TryAcquire(5) {
		t.Fatal("expected second acquire to fail over budget")
	}
	b.Release(6)
	if !b.TryAcquire(5) {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestChunkDataPutAndLookup(t *testing.T) {
	b := NewBudget(0)
	id := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)
	cd := NewChunkData(id, ModeCompressed, 1)
	if err := cd.Put(b, 0, "data", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(cd.Blocks()) != 1 {
		t.Fatalf("got %d blocks", len(cd.Blocks()))
	}
	cd.FinalizeChunk(map[store.RowKey]int{"k": 3})
	if !cd.Finalized() {
		t.Fatal("expected finalized")
	}
	off, ok := cd.Lookup("k")
	if !ok || off != 3 {
		t.Fatalf("got %d %v", off, ok)
	}
}

func TestChunkDataPutFailsOverBudget(t *testing.T) {
	b := NewBudget(4)
	cd := NewChunkData(chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk), ModeCompressed, 1)
	if err := cd.Put(b, 0, "data", []byte("hello")); err != ErrMemoryExceeded {
		t.Fatalf("got %v, want ErrMemoryExceeded", err)
	}
}

func TestInterceptorInstallGetDrop(t *testing.T) {
	in := NewInterceptor(NewBudget(0), time.Hour)
	id := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)
	cd := NewChunkData(id, ModeCompressed, 1)
	_ = cd.Put(in.Budget, 0, "data", []byte("abc"))
	in.Install(cd)

	if got, ok := in.Get(id); !ok || got != cd {
		t.Fatalf("got %v %v", got, ok)
	}
	in.Drop(id)
	if _, ok := in.Get(id); ok {
		t.Fatal("expected record dropped")
	}
	if in.Budget.Used() != 0 {
		t.Fatalf("expected budget released, got %d used", in.Budget.Used())
	}
}

func TestInterceptorScheduleEvictionDropsAfterDelay(t *testing.T) {
	in := NewInterceptor(NewBudget(0), 10*time.Millisecond)
	id := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)
	cd := NewChunkData(id, ModeCompressed, 1)
	in.Install(cd)

	in.ScheduleEviction(id)
	if _, ok := in.Get(id); !ok {
		t.Fatal("expected record still present immediately after scheduling")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := in.Get(id); ok {
		t.Fatal("expected record evicted after delay")
	}
}
