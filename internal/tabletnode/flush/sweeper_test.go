package flush

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"tabstore/internal/chunktree"
	"tabstore/internal/logging"
	"tabstore/internal/scansched"
)

type fakeHunkSource struct {
	referenced map[chunktree.ChunkID]struct{}
	all        []chunktree.ChunkID
}

func (f *fakeHunkSource) ReferencedHunkChunks(tabletID uuid.UUID) (map[chunktree.ChunkID]struct{}, error) {
	return f.referenced, nil
}

func (f *fakeHunkSource) AllHunkChunks(tabletID uuid.UUID) ([]chunktree.ChunkID, error) {
	return f.all, nil
}

type fakeHunkRemover struct {
	removed []chunktree.ChunkID
}

func (f *fakeHunkRemover) RemoveHunkChunk(ctx context.Context, tabletID uuid.UUID, id chunktree.ChunkID) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestSweeperRemovesUnreferencedHunkChunks(t *testing.T) {
	kept := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)
	dropped := chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk)

	source := &fakeHunkSource{
		referenced: map[chunktree.ChunkID]struct{}{kept: {}},
		all:        []chunktree.ChunkID{kept, dropped},
	}
	remover := &fakeHunkRemover{}

	sw := NewSweeper(logging.Discard())
	sw.RegisterTablet(&SweeperTablet{ID: uuid.New(), Source: source, Remover: remover})

	sw.Scan(context.Background(), &scansched.Progress{})

	if len(remover.removed) != 1 || remover.removed[0] != dropped {
		t.Fatalf("got %+v, want only %v removed", remover.removed, dropped)
	}
}
