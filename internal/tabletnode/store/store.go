// Package store implements the tablet node's dynamic and chunk store
// types: the sorted dynamic store (in-memory skiplist-like row table with
// per-lock metadata and a revision-to-timestamp vector), the ordered
// dynamic store (append-only row log), and the chunk store (an immutable
// reference to a flushed chunk, plus an optional backing dynamic store
// kept around until the flush is acknowledged) (spec §4.7, grounded on
// original_source's sorted_dynamic_store.h).
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Timestamp is a cluster logical timestamp: monotonically increasing,
// used both for MVCC row versions and for transaction commit ordering.
type Timestamp uint64

// RowKey is a serialized, comparable composite row key. Ordering is byte
// ordering, which is what the sorted dynamic store's skiplist comparer
// uses in the original (spec leaves exact key encoding out of scope per
// its Non-goals, so we use the encoding's natural byte order directly).
type RowKey string

// MaxLockCount bounds the number of distinct named locks a schema can
// declare per row; lockMask addresses them as bits of a uint32, mirroring
// the original's ui32 lock mask.
const MaxLockCount = 32

// ErrRowBlocked is returned by WriteRow/DeleteRow when a row carries a
// lock prepared (but not yet committed) by another transaction at a
// timestamp earlier than the caller's read timestamp. The caller is
// expected to call WaitOnBlockedRow and retry, mirroring
// TRowBlockedException in the original.
type ErrRowBlocked struct {
	Row       *Row
	LockMask  uint32
	Timestamp Timestamp
}

func (e *ErrRowBlocked) Error() string {
	return fmt.Sprintf("store: row %q blocked by lock mask %#x at timestamp %d", e.Row.Key, e.LockMask, e.Timestamp)
}

// ErrLockConflict is returned when a row's lock is held by a different,
// still-active (unprepared) transaction: a write-write conflict that
// cannot be resolved by waiting.
var ErrLockConflict = errors.New("store: conflicting lock held by another transaction")

// ErrNoSuchLock is returned when a caller addresses a lock index outside
// of [0, MaxLockCount).
var ErrNoSuchLock = errors.New("store: lock index out of range")

// TxnContext is the minimal transaction identity a dynamic store needs to
// check and take row locks. The full transaction state machine lives in
// internal/tabletnode/txn; this is passed in by the caller (the store
// manager) to avoid a package dependency from store on txn.
type TxnContext struct {
	ID        uuid.UUID
	Timestamp Timestamp
}
