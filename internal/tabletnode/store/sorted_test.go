package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWriteRowImmediateCommit(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	row, err := s.WriteRow(nil, "k1", map[string]any{"v": 1}, Timestamp(10), 0)
	if err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	got, ok := row.ValueAt(s, Timestamp(10))
	if !ok || got["v"] != 1 {
		t.Fatalf("got %v, %v", got, ok)
	}
}

func TestWriteRowTransactionalLockThenCommit(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	txn := &TxnContext{ID: uuid.New(), Timestamp: 5}

	row, err := s.WriteRow(txn, "k1", map[string]any{"v": 1}, 0, 1)
	if err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	s.PrepareRow(txn, row)
	s.CommitRow(txn, row, Timestamp(6))

	got, ok := row.ValueAt(s, Timestamp(6))
	if !ok || got["v"] != 1 {
		t.Fatalf("got %v %v", got, ok)
	}
	if row.locks[0].held {
		t.Fatal("lock should be released after commit")
	}
}

func TestWriteRowConflictFromActiveUnpreparedLock(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	txnA := &TxnContext{ID: uuid.New(), Timestamp: 5}
	txnB := &TxnContext{ID: uuid.New(), Timestamp: 6}

	if _, err := s.WriteRow(txnA, "k1", map[string]any{"v": 1}, 0, 1); err != nil {
		t.Fatalf("WriteRow A: %v", err)
	}
	if _, err := s.WriteRow(txnB, "k1", map[string]any{"v": 2}, 0, 1); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("got %v, want ErrLockConflict", err)
	}
}

func TestWriteRowBlockedOnPreparedLock(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	txnA := &TxnContext{ID: uuid.New(), Timestamp: 5}
	txnB := &TxnContext{ID: uuid.New(), Timestamp: 10}

	row, err := s.WriteRow(txnA, "k1", map[string]any{"v": 1}, 0, 1)
	if err != nil {
		t.Fatalf("WriteRow A: %v", err)
	}
	s.PrepareRow(txnA, row)

	_, err = s.WriteRow(txnB, "k1", map[string]any{"v": 2}, 0, 1)
	var blocked *ErrRowBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("got %v, want ErrRowBlocked", err)
	}

	done := make(chan struct{})
	go func() {
		s.WaitOnBlockedRow(blocked.Row, blocked.LockMask, blocked.Timestamp)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitOnBlockedRow returned before the blocking lock released")
	case <-time.After(20 * time.Millisecond):
	}

	s.CommitRow(txnA, row, Timestamp(7))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitOnBlockedRow did not wake after commit")
	}
}

func TestDeleteRowRecordsTombstone(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	if _, err := s.WriteRow(nil, "k1", map[string]any{"v": 1}, Timestamp(1), 0); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	row, err := s.DeleteRow(nil, "k1", Timestamp(2))
	if err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	if _, ok := row.ValueAt(s, Timestamp(2)); ok {
		t.Fatal("expected row to be deleted at ts 2")
	}
	if got, ok := row.ValueAt(s, Timestamp(1)); !ok || got["v"] != 1 {
		t.Fatalf("expected historical read at ts 1 to still see the value, got %v %v", got, ok)
	}
}

func TestAbortRowDiscardsPendingWrite(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	txn := &TxnContext{ID: uuid.New(), Timestamp: 1}
	row, err := s.WriteRow(txn, "k1", map[string]any{"v": 1}, 0, 1)
	if err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	s.AbortRow(txn, row)
	if row.locks[0].held {
		t.Fatal("lock should be released after abort")
	}
	if _, ok := row.ValueAt(s, Timestamp(100)); ok {
		t.Fatal("aborted write should not be visible")
	}
}

func TestGetAllRowsSortedByKey(t *testing.T) {
	s := NewSortedDynamicStore(uuid.New())
	for _, k := range []RowKey{"c", "a", "b"} {
		if _, err := s.WriteRow(nil, k, map[string]any{}, Timestamp(1), 0); err != nil {
			t.Fatalf("WriteRow: %v", err)
		}
	}
	rows := s.GetAllRows()
	if len(rows) != 3 || rows[0].Key != "a" || rows[1].Key != "b" || rows[2].Key != "c" {
		t.Fatalf("rows not sorted: %+v", rows)
	}
	if min, _ := s.MinKey(); min != "a" {
		t.Fatalf("MinKey = %q", min)
	}
	if max, _ := s.MaxKey(); max != "c" {
		t.Fatalf("MaxKey = %q", max)
	}
}
