package txn

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"tabstore/internal/tabletnode/store"
)

func TestPrepareCommitTransientHappyPath(t *testing.T) {
	m := NewManager(1, func() uint32 { return 42 })
	id := uuid.New()
	m.StartTransaction(id, 1, false)

	if err := m.PrepareCommit(id, store.Timestamp(2), false); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	tr, _ := m.Transaction(id)
	if tr.State != StateTransientCommitPrepared {
		t.Fatalf("state = %v", tr.State)
	}

	if err := m.CommitTransaction(id, store.Timestamp(3), 42, 1); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	if tr.State != StateCommitted {
		t.Fatalf("state = %v", tr.State)
	}
}

func TestCommitRejectsClusterTagMismatch(t *testing.T) {
	m := NewManager(1, func() uint32 { return 42 })
	id := uuid.New()
	m.StartTransaction(id, 1, false)
	_ = m.PrepareCommit(id, store.Timestamp(2), false)

	if err := m.CommitTransaction(id, store.Timestamp(3), 99, 1); !errors.Is(err, ErrClusterTagMismatch) {
		t.Fatalf("got %v, want ErrClusterTagMismatch", err)
	}
}

func TestAbortActiveTransactionWithoutForce(t *testing.T) {
	m := NewManager(1, nil)
	id := uuid.New()
	m.StartTransaction(id, 1, false)

	if err := m.AbortTransaction(id, false); err != nil {
		t.Fatalf("AbortTransaction: %v", err)
	}
	tr, _ := m.Transaction(id)
	if tr.State != StateAborted {
		t.Fatalf("state = %v", tr.State)
	}
}

func TestAbortPreparedRequiresForce(t *testing.T) {
	m := NewManager(1, nil)
	id := uuid.New()
	m.StartTransaction(id, 1, false)
	_ = m.PrepareCommit(id, store.Timestamp(5), false)

	if err := m.AbortTransaction(id, false); !errors.Is(err, ErrAbortRequiresForce) {
		t.Fatalf("got %v, want ErrAbortRequiresForce", err)
	}
	if err := m.AbortTransaction(id, true); err != nil {
		t.Fatalf("forced AbortTransaction: %v", err)
	}
}

func TestBarrierTimestampReflectsOnlyPreparedActiveTransactions(t *testing.T) {
	m := NewManager(1, func() uint32 { return 1 })
	a, b := uuid.New(), uuid.New()
	m.StartTransaction(a, 1, false)
	m.StartTransaction(b, 1, false)

	if _, ok := m.BarrierTimestamp(); ok {
		t.Fatal("expected no barrier timestamp before any prepare")
	}

	_ = m.PrepareCommit(a, store.Timestamp(10), false)
	_ = m.PrepareCommit(b, store.Timestamp(5), false)

	ts, ok := m.BarrierTimestamp()
	if !ok || ts != store.Timestamp(5) {
		t.Fatalf("got %v %v, want 5", ts, ok)
	}

	if err := m.CommitTransaction(b, store.Timestamp(6), 1, 1); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	ts, ok = m.BarrierTimestamp()
	if !ok || ts != store.Timestamp(10) {
		t.Fatalf("got %v %v, want 10 once b resolved", ts, ok)
	}
}

func TestHandleTransactionBarrierSerializesCommittedTransactions(t *testing.T) {
	m := NewManager(1, func() uint32 { return 1 })
	id := uuid.New()
	m.StartTransaction(id, 1, false)
	tr, _ := m.Transaction(id)
	tr.MultiCell = true

	var serialized bool
	_ = m.RegisterTransactionActions(id, nil, nil, nil, []Action{func(t *Transaction) error {
		serialized = true
		return nil
	}})

	_ = m.PrepareCommit(id, store.Timestamp(1), false)
	if err := m.CommitTransaction(id, store.Timestamp(5), 1, 2); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	if err := m.HandleTransactionBarrier(store.Timestamp(5)); err != nil {
		t.Fatalf("HandleTransactionBarrier: %v", err)
	}
	if !serialized {
		t.Fatal("expected serialize action to run")
	}
	if tr.State != StateSerialized {
		t.Fatalf("state = %v", tr.State)
	}
}

func TestHandleTransactionBarrierLeavesLaterTransactionsAlone(t *testing.T) {
	m := NewManager(1, func() uint32 { return 1 })
	id := uuid.New()
	m.StartTransaction(id, 1, false)
	tr, _ := m.Transaction(id)
	tr.MultiCell = true
	_ = m.PrepareCommit(id, store.Timestamp(1), false)
	_ = m.CommitTransaction(id, store.Timestamp(100), 1, 2)

	if err := m.HandleTransactionBarrier(store.Timestamp(5)); err != nil {
		t.Fatalf("HandleTransactionBarrier: %v", err)
	}
	if tr.State != StateCommitted {
		t.Fatalf("state = %v, expected still committed (commit ts 100 > barrier 5)", tr.State)
	}
}
