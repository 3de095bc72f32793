package flush

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunktree"
	"tabstore/internal/logging"
	"tabstore/internal/mutation"
	"tabstore/internal/tabletnode/store"
	"tabstore/internal/tabletnode/storemgr"
)

type fakeChunkWriter struct {
	rows    map[string]map[string]any
	writeErr error
	closeErr error
}

func (w *fakeChunkWriter) WriteRow(key string, values map[string]any) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	if w.rows == nil {
		w.rows = make(map[string]map[string]any)
	}
	w.rows[key] = values
	return nil
}

func (w *fakeChunkWriter) Close(ctx context.Context) (chunktree.ChunkID, error) {
	if w.closeErr != nil {
		return chunktree.ChunkID{}, w.closeErr
	}
	return chunktree.NewChunkID(chunktree.ObjectTypeRegularChunk), nil
}

type fakePoster struct {
	posted []mutation.Mutation
	err    error
}

func (p *fakePoster) Post(ctx context.Context, m mutation.Mutation) error {
	if p.err != nil {
		return p.err
	}
	p.posted = append(p.posted, m)
	return nil
}

func TestFlushOneSucceeds(t *testing.T) {
	mgr := storemgr.New(uuid.New(), storemgr.KindSorted, storemgr.DefaultRotationPolicy, logging.Discard())
	if _, err := mgr.WriteSorted(nil, "k1", map[string]any{"v": 1}, store.Timestamp(1), 0, false); err != nil {
		t.Fatalf("WriteSorted: %v", err)
	}
	mgr.Rotate(time.Now())
	passives := mgr.PassiveStores()
	if len(passives) != 1 {
		t.Fatalf("got %d passives", len(passives))
	}

	writer := &fakeChunkWriter{}
	poster := &fakePoster{}
	f := NewFlusher(2, 10, logging.Discard())
	tb := &Tablet{
		ID:            uuid.New(),
		Manager:       mgr,
		WriterFactory: func(ctx context.Context, tabletID uuid.UUID) (ChunkWriter, error) { return writer, nil },
		Poster:        poster,
	}

	if err := f.flushOne(context.Background(), tb, passives[0]); err != nil {
		t.Fatalf("flushOne: %v", err)
	}
	if len(writer.rows) != 1 {
		t.Fatalf("got %d rows written", len(writer.rows))
	}
	if len(poster.posted) != 1 {
		t.Fatalf("got %d mutations posted", len(poster.posted))
	}
	if len(mgr.PassiveStores()) != 0 {
		t.Fatal("expected passive store removed after successful flush")
	}
}

func TestFlushOneBacksOffOnFailure(t *testing.T) {
	mgr := storemgr.New(uuid.New(), storemgr.KindSorted, storemgr.DefaultRotationPolicy, logging.Discard())
	mgr.Rotate(time.Now())
	passives := mgr.PassiveStores()

	writer := &fakeChunkWriter{closeErr: errors.New("boom")}
	f := NewFlusher(2, 10, logging.Discard())
	tb := &Tablet{
		ID:            uuid.New(),
		Manager:       mgr,
		WriterFactory: func(ctx context.Context, tabletID uuid.UUID) (ChunkWriter, error) { return writer, nil },
		Poster:        &fakePoster{},
	}

	if err := f.flushOne(context.Background(), tb, passives[0]); err == nil {
		t.Fatal("expected flush failure")
	}
	if f.readyToFlush(passives[0].ID) {
		t.Fatal("expected store to be in cooldown after failure")
	}
}
