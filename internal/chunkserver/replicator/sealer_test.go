package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunktree"
)

func TestReadyToSealRequiresNoOpenSession(t *testing.T) {
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)
	if ReadyToSeal(c, 3, 2, true) {
		t.Fatal("expected not ready while a write session is open")
	}
}

func TestReadyToSealRequiresWriteQuorum(t *testing.T) {
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)
	if ReadyToSeal(c, 1, 2, false) {
		t.Fatal("expected not ready below write quorum")
	}
	if !ReadyToSeal(c, 2, 2, false) {
		t.Fatal("expected ready at write quorum with no open session")
	}
}

func TestReadyToSealFalseForAlreadySealed(t *testing.T) {
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)
	c.Meta.Misc.Sealed = true
	if ReadyToSeal(c, 5, 2, false) {
		t.Fatal("expected already-sealed chunk to not be ready-to-seal again")
	}
}

type fakeFetcher struct {
	counts map[uuid.UUID]int64
	fail   map[uuid.UUID]bool
}

func (f *fakeFetcher) FetchRowCount(ctx context.Context, nodeID uuid.UUID, chunkID chunktree.ChunkID) (int64, error) {
	if f.fail[nodeID] {
		return 0, errors.New("fetch failed")
	}
	return f.counts[nodeID], nil
}

func TestQuorumRowCountAgreesOnMajority(t *testing.T) {
	n1, n2, n3 := uuid.New(), uuid.New(), uuid.New()
	fetcher := &fakeFetcher{counts: map[uuid.UUID]int64{n1: 100, n2: 100, n3: 99}}
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)

	q, err := QuorumRowCount(context.Background(), fetcher, []uuid.UUID{n1, n2, n3}, c.ID)
	if err != nil {
		t.Fatalf("QuorumRowCount: %v", err)
	}
	if q.RowCount != 100 || q.Agreed != 2 {
		t.Fatalf("got %+v, want rowcount=100 agreed=2", q)
	}
}

func TestQuorumRowCountFailsWithoutMajority(t *testing.T) {
	n1, n2, n3 := uuid.New(), uuid.New(), uuid.New()
	fetcher := &fakeFetcher{counts: map[uuid.UUID]int64{n1: 100, n2: 99, n3: 98}}
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)

	_, err := QuorumRowCount(context.Background(), fetcher, []uuid.UUID{n1, n2, n3}, c.ID)
	if err == nil {
		t.Fatal("expected an error without majority agreement")
	}
}

type fakeAborter struct {
	fail map[uuid.UUID]bool
}

func (a *fakeAborter) AbortWriteSessions(ctx context.Context, nodeID uuid.UUID, chunkID chunktree.ChunkID) error {
	if a.fail[nodeID] {
		return errors.New("abort failed")
	}
	return nil
}

type fakeSealMutator struct {
	failCount int
	calls     int
	lastRows  int64
}

func (m *fakeSealMutator) SealChunk(ctx context.Context, chunkID chunktree.ChunkID, rowCount int64) error {
	m.calls++
	m.lastRows = rowCount
	if m.calls <= m.failCount {
		return errors.New("transient failure")
	}
	return nil
}

func TestSealChunkRetriesOnMutatorFailure(t *testing.T) {
	n1, n2 := uuid.New(), uuid.New()
	fetcher := &fakeFetcher{counts: map[uuid.UUID]int64{n1: 42, n2: 42}}
	mutator := &fakeSealMutator{failCount: 1}
	aborter := &fakeAborter{}
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)

	err := SealChunk(context.Background(), aborter, fetcher, mutator, []uuid.UUID{n1, n2}, c.ID, 2,
		SealBackoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}, 3)
	if err != nil {
		t.Fatalf("SealChunk: %v", err)
	}
	if mutator.calls != 2 || mutator.lastRows != 42 {
		t.Fatalf("got calls=%d lastRows=%d", mutator.calls, mutator.lastRows)
	}
}

func TestSealChunkGivesUpAfterMaxAttempts(t *testing.T) {
	n1, n2 := uuid.New(), uuid.New()
	fetcher := &fakeFetcher{counts: map[uuid.UUID]int64{n1: 7, n2: 7}}
	mutator := &fakeSealMutator{failCount: 10}
	aborter := &fakeAborter{}
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)

	err := SealChunk(context.Background(), aborter, fetcher, mutator, []uuid.UUID{n1, n2}, c.ID, 2,
		SealBackoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}, 2)
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
}

func TestSealChunkFailsWhenAbortQuorumUnreachable(t *testing.T) {
	n1, n2, n3 := uuid.New(), uuid.New(), uuid.New()
	fetcher := &fakeFetcher{counts: map[uuid.UUID]int64{n1: 7, n2: 7, n3: 7}}
	mutator := &fakeSealMutator{}
	aborter := &fakeAborter{fail: map[uuid.UUID]bool{n1: true, n2: true}}
	tree := chunktree.NewTree()
	c := tree.NewChunk(chunktree.ObjectTypeJournalChunk)

	err := SealChunk(context.Background(), aborter, fetcher, mutator, []uuid.UUID{n1, n2, n3}, c.ID, 2,
		SealBackoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}, 2)
	if err == nil {
		t.Fatal("expected an error when fewer than writeQuorum replicas abort their write session")
	}
	if mutator.calls != 0 {
		t.Fatalf("expected seal mutation not to be posted when abort quorum fails, got %d calls", mutator.calls)
	}
}
