package txn

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"tabstore/internal/tabletnode/store"
)

// ExpectedClusterTag is checked against a commit's cluster tag before the
// commit is accepted (spec §4.9 commit: "validates commit-timestamp's
// cluster tag against the cell's expected clock cluster tag").
type ExpectedClusterTag func() uint32

// ErrClusterTagMismatch is returned by CommitTransaction when the
// supplied cluster tag does not match the cell's expected tag.
var ErrClusterTagMismatch = fmt.Errorf("txn: commit cluster tag does not match the cell's expected clock cluster tag")

// Manager is the per-tablet-cell transaction manager: a replicated state
// machine (applied via internal/hydra) that owns every transaction
// touching this cell, their prepared-timestamp set (for barrier
// computation), and the per-cell-tag serializing heaps that enforce
// strict commit-timestamp order for cross-cell transactions (spec §4.9).
type Manager struct {
	CellTag     uint32
	ClusterTag  ExpectedClusterTag
	LeaseCloser func(id uuid.UUID) // closes a transaction's lease on commit/abort

	mu           sync.Mutex
	transactions map[uuid.UUID]*Transaction

	// preparedTimestamps orders every currently-prepared-but-not-yet-
	// resolved transaction by prepare timestamp, so the barrier timestamp
	// (min over prepared timestamps of active transactions) can be read in
	// O(log n) instead of scanning every transaction (spec §4.9 Barrier).
	preparedTimestamps *btree.BTree

	// serializingHeaps holds, per remote cell tag this cell's
	// multi-cell transactions touch, a min-heap by commit timestamp; the
	// barrier pops everything at or below the barrier timestamp (spec
	// §4.9 commit/barrier).
	serializingHeaps map[uint32]*txnHeap
}

// preparedItem is a btree.Item ordering by (timestamp, id) so distinct
// transactions prepared at the same timestamp remain distinguishable.
type preparedItem struct {
	ts store.Timestamp
	id uuid.UUID
}

func (a preparedItem) Less(than btree.Item) bool {
	b := than.(preparedItem)
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.id.String() < b.id.String()
}

// NewManager creates a transaction manager for one tablet cell.
func NewManager(cellTag uint32, clusterTag ExpectedClusterTag) *Manager {
	return &Manager{
		CellTag:            cellTag,
		ClusterTag:         clusterTag,
		transactions:       make(map[uuid.UUID]*Transaction),
		preparedTimestamps: btree.New(32),
		serializingHeaps:   make(map[uint32]*txnHeap),
	}
}

// StartTransaction registers a new active transaction. Mirrors
// RegisterTransactionActions's implicit precondition in spec §4.9 that a
// transaction must exist before actions can be attached to it.
func (m *Manager) StartTransaction(id uuid.UUID, startTS store.Timestamp, foreign bool) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := NewTransaction(id, m.CellTag, startTS)
	t.Foreign = foreign
	m.transactions[id] = t
	return t
}

// RegisterTransactionActions attaches prepare/commit/abort/serialize
// actions to an existing transaction.
func (m *Manager) RegisterTransactionActions(id uuid.UUID, prepare, commit, abort, serialize []Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("txn: no such transaction %s", id)
	}
	t.RegisterActions(prepare, commit, abort, serialize)
	return nil
}

// PrepareCommit runs transient or persistent prepare for id at
// prepareTS, registering it in the prepared-timestamps set (spec §4.9:
// "Transient prepare ... Persistent prepare: like transient but the
// state is durable"). Durability of state itself is a property of
// whichever Hydra mutation invoked this (a logged mutation is durable by
// construction), so the two only differ here in target state.
func (m *Manager) PrepareCommit(id uuid.UUID, prepareTS store.Timestamp, persistent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("txn: no such transaction %s", id)
	}
	target := StateTransientCommitPrepared
	if persistent {
		target = StatePersistentCommitPrepared
	}
	if err := t.prepare(target, prepareTS); err != nil {
		return err
	}
	m.preparedTimestamps.ReplaceOrInsert(preparedItem{ts: prepareTS, id: id})
	return nil
}

// CommitTransaction validates clusterTag against the cell's expected
// tag, closes the transaction's lease, commits it, and if it is
// multi-cell, enqueues it on the remote cell tag's serializing heap
// (spec §4.9 commit).
func (m *Manager) CommitTransaction(id uuid.UUID, commitTS store.Timestamp, clusterTag uint32, remoteCellTag uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClusterTag != nil && m.ClusterTag() != clusterTag {
		return ErrClusterTagMismatch
	}
	t, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("txn: no such transaction %s", id)
	}
	if err := t.commit(commitTS); err != nil {
		return err
	}
	if t.PrepareTimestamp != 0 {
		m.preparedTimestamps.Delete(preparedItem{ts: t.PrepareTimestamp, id: id})
	}
	if m.LeaseCloser != nil {
		m.LeaseCloser(id)
	}
	if t.MultiCell {
		h, ok := m.serializingHeaps[remoteCellTag]
		if !ok {
			h = &txnHeap{}
			heap.Init(h)
			m.serializingHeaps[remoteCellTag] = h
		}
		heap.Push(h, t)
	}
	return nil
}

// AbortTransaction aborts a transaction, requiring force if it is
// already prepared (spec §4.9: "if Prepared, only force allows it").
func (m *Manager) AbortTransaction(id uuid.UUID, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("txn: no such transaction %s", id)
	}
	if err := t.abort(force); err != nil {
		return err
	}
	if t.PrepareTimestamp != 0 {
		m.preparedTimestamps.Delete(preparedItem{ts: t.PrepareTimestamp, id: id})
	}
	if m.LeaseCloser != nil {
		m.LeaseCloser(id)
	}
	return nil
}

// BarrierTimestamp returns the minimum prepare timestamp among every
// transaction still awaiting resolution (spec §4.9 Barrier: "timestamp =
// min over prepared-timestamps of active transactions"). ok is false if
// no transaction is currently prepared.
func (m *Manager) BarrierTimestamp() (store.Timestamp, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min store.Timestamp
	found := false
	m.preparedTimestamps.Ascend(func(i btree.Item) bool {
		min = i.(preparedItem).ts
		found = true
		return false
	})
	return min, found
}

// Transaction returns a registered transaction by id.
func (m *Manager) Transaction(id uuid.UUID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	return t, ok
}
