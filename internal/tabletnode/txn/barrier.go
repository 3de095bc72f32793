package txn

import (
	"container/heap"

	"tabstore/internal/tabletnode/store"
)

// txnHeap is a container/heap min-heap of committed transactions
// ordered by commit timestamp, one per remote cell tag a transaction
// touches, used to enforce strict per-cell-tag commit-timestamp
// ordering before transactions become visible to cross-cell observers
// (spec §4.9 commit/barrier, §5 "Transaction serialization: strict
// commit-timestamp order per serializing cell tag").
type txnHeap []*Transaction

func (h txnHeap) Len() int            { return len(h) }
func (h txnHeap) Less(i, j int) bool  { return h[i].CommitTimestamp < h[j].CommitTimestamp }
func (h txnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *txnHeap) Push(x any)         { *h = append(*h, x.(*Transaction)) }
func (h *txnHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// HandleTransactionBarrier applies a barrier at the given timestamp:
// every committed transaction, on every cell-tag heap, with commit
// timestamp <= barrierTS is popped and run through its serialize
// actions, moving it to Serialized (spec §4.9 Barrier: "every committed
// transaction with commit-ts <= barrier is popped from its heap, its
// serialize actions run, and it moves to state Serialized").
func (m *Manager) HandleTransactionBarrier(barrierTS store.Timestamp) error {
	m.mu.Lock()
	var toSerialize []*Transaction
	for _, h := range m.serializingHeaps {
		for h.Len() > 0 && (*h)[0].CommitTimestamp <= barrierTS {
			t := heap.Pop(h).(*Transaction)
			toSerialize = append(toSerialize, t)
		}
	}
	m.mu.Unlock()

	for _, t := range toSerialize {
		if err := t.serialize(); err != nil {
			return err
		}
	}
	return nil
}
