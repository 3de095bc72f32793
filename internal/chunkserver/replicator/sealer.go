package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunktree"
)

// ErrNotReadyToSeal is returned when a journal chunk does not yet meet
// the seal-ready predicate.
var ErrNotReadyToSeal = errors.New("replicator: chunk is not ready to seal")

// RowCountQuorum reports the quorum-agreed row count for a journal
// chunk's replicas, as collected from a quorum read across its stored
// replicas (spec §4.4: "sealing queries a read quorum of replicas for
// their row count and takes the value agreed by a majority").
type RowCountQuorum struct {
	RowCount int64
	Agreed   int
}

// ReplicaRowCountFetcher fetches one replica's reported row count;
// abstracted so the sealer doesn't depend on the node RPC transport
// (spec §1 Non-goals: "the wire protocol between master and node").
type ReplicaRowCountFetcher interface {
	FetchRowCount(ctx context.Context, nodeID uuid.UUID, chunkID chunktree.ChunkID) (int64, error)
}

// SealMutator posts the SealChunk mutation once quorum row count is known.
type SealMutator interface {
	SealChunk(ctx context.Context, chunkID chunktree.ChunkID, rowCount int64) error
}

// WriteSessionAborter aborts a chunk's outstanding write session on one
// replica, step (a) of spec §4.4's seal sequence ("aborts outstanding
// write sessions to a quorum of replicas"), abstracted the same way as
// ReplicaRowCountFetcher so the sealer stays off the node RPC transport.
type WriteSessionAborter interface {
	AbortWriteSessions(ctx context.Context, nodeID uuid.UUID, chunkID chunktree.ChunkID) error
}

// ReadyToSeal reports the seal-ready predicate of spec §4.4: the chunk
// is an unsealed journal chunk with no outstanding write session and at
// least writeQuorum live stored replicas.
func ReadyToSeal(c *chunktree.Chunk, liveReplicas, writeQuorum int, hasOpenWriteSession bool) bool {
	if !c.ID.IsJournal() || c.IsSealed() {
		return false
	}
	if hasOpenWriteSession {
		return false
	}
	return liveReplicas >= writeQuorum
}

// QuorumRowCount queries fetcher across replicas and returns the row
// count value reported by the largest agreeing subset, treating
// disagreement conservatively: only a true majority (strictly more than
// half of the replicas queried) counts as quorum (spec §4.4).
func QuorumRowCount(ctx context.Context, fetcher ReplicaRowCountFetcher, replicas []uuid.UUID, chunkID chunktree.ChunkID) (RowCountQuorum, error) {
	counts := map[int64]int{}
	queried := 0
	for _, nodeID := range replicas {
		rc, err := fetcher.FetchRowCount(ctx, nodeID, chunkID)
		if err != nil {
			continue
		}
		queried++
		counts[rc]++
	}
	if queried == 0 {
		return RowCountQuorum{}, errors.New("replicator: no replica responded to row-count query")
	}
	var best int64
	var bestCount int
	for rc, n := range counts {
		if n > bestCount {
			best, bestCount = rc, n
		}
	}
	if bestCount*2 <= queried {
		return RowCountQuorum{}, errors.New("replicator: no row count reached quorum agreement")
	}
	return RowCountQuorum{RowCount: best, Agreed: bestCount}, nil
}

// SealBackoff retries posting the seal mutation with exponential backoff
// on failure (spec §4.4: "seal mutation posting backs off on failure
// rather than retrying a seal immediately against a master that just
// rejected it").
type SealBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

var DefaultSealBackoff = SealBackoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

func (b SealBackoff) next(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > b.Max {
			return b.Max
		}
	}
	return d
}

// abortWriteSessionQuorum aborts outstanding write sessions on at least
// writeQuorum of replicas before sealing proceeds, tolerating individual
// abort failures as long as a quorum of them succeed (spec §4.4 step
// (a): "aborts outstanding write sessions to a quorum of replicas").
func abortWriteSessionQuorum(ctx context.Context, aborter WriteSessionAborter, replicas []uuid.UUID, chunkID chunktree.ChunkID, writeQuorum int) error {
	aborted := 0
	for _, nodeID := range replicas {
		if err := aborter.AbortWriteSessions(ctx, nodeID, chunkID); err == nil {
			aborted++
		}
	}
	if aborted < writeQuorum {
		return fmt.Errorf("replicator: aborted write sessions on %d/%d replicas, need quorum %d", aborted, len(replicas), writeQuorum)
	}
	return nil
}

// SealChunk drives the full seal flow for one chunk: aborting write
// sessions to a quorum of replicas, a quorum row-count query, and then a
// SealChunk mutation, retrying the mutation post with backoff up to
// maxAttempts times (spec §4.4).
func SealChunk(ctx context.Context, aborter WriteSessionAborter, fetcher ReplicaRowCountFetcher, mutator SealMutator, replicas []uuid.UUID, chunkID chunktree.ChunkID, writeQuorum int, backoff SealBackoff, maxAttempts int) error {
	if err := abortWriteSessionQuorum(ctx, aborter, replicas, chunkID, writeQuorum); err != nil {
		return err
	}

	q, err := QuorumRowCount(ctx, fetcher, replicas, chunkID)
	if err != nil {
		return err
	}
	if backoff == (SealBackoff{}) {
		backoff = DefaultSealBackoff
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := mutator.SealChunk(ctx, chunkID, q.RowCount); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.next(attempt)):
		}
	}
	return lastErr
}
