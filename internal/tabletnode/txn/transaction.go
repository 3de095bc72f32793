// Package txn implements the tablet cell's transaction manager: the
// per-tablet-cell replicated state machine that runs a transaction
// through transient/persistent prepare, commit, abort, and cross-cell
// serialization via a barrier mutation (spec §4.9, grounded on
// original_source/yt/yt/server/node/tablet_node/transaction_manager.cpp).
package txn

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tabstore/internal/tabletnode/store"
)

// State is a transaction's position in its 2PC lifecycle (spec §4.9).
type State int

const (
	StateActive State = iota
	StateTransientCommitPrepared
	StatePersistentCommitPrepared
	StateCommitted
	StateSerialized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTransientCommitPrepared:
		return "transient_commit_prepared"
	case StatePersistentCommitPrepared:
		return "persistent_commit_prepared"
	case StateCommitted:
		return "committed"
	case StateSerialized:
		return "serialized"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Action is a unit of prepare/commit/abort/serialize work registered
// against a transaction (RegisterTransactionActions in spec §4.9).
type Action func(t *Transaction) error

// ErrWrongState is returned when a requested transition is not legal
// from the transaction's current state.
var ErrWrongState = errors.New("txn: transaction is not in the required state")

// ErrAbortRequiresForce is returned when AbortTransaction is called on a
// prepared (but not yet committed) transaction without force set (spec
// §4.9: "if Prepared, only force allows it").
var ErrAbortRequiresForce = errors.New("txn: aborting a prepared transaction requires force")

// Transaction is one tablet-cell transaction's full state.
type Transaction struct {
	ID      uuid.UUID
	CellTag uint32
	Foreign bool // transactions started by another cell acting as a participant here

	StartTimestamp   store.Timestamp
	PrepareTimestamp store.Timestamp
	CommitTimestamp  store.Timestamp

	State State

	PrepareActions   []Action
	CommitActions    []Action
	AbortActions     []Action
	SerializeActions []Action

	// MultiCell is true when the transaction touches more than one cell
	// tag and therefore must pass through the per-cell-tag serializing
	// heap before observers may see it (spec §4.9 commit).
	MultiCell bool
}

// NewTransaction creates a fresh, active transaction.
func NewTransaction(id uuid.UUID, cellTag uint32, startTS store.Timestamp) *Transaction {
	return &Transaction{ID: id, CellTag: cellTag, StartTimestamp: startTS, State: StateActive}
}

// RegisterActions appends actions for later phases; may be called any
// number of times before the corresponding phase runs.
func (t *Transaction) RegisterActions(prepare, commit, abort, serialize []Action) {
	t.PrepareActions = append(t.PrepareActions, prepare...)
	t.CommitActions = append(t.CommitActions, commit...)
	t.AbortActions = append(t.AbortActions, abort...)
	t.SerializeActions = append(t.SerializeActions, serialize...)
}

// prepare runs t's prepare actions and moves it to the given prepared
// state at prepareTS, requiring the transaction to currently be Active.
func (t *Transaction) prepare(target State, prepareTS store.Timestamp) error {
	if t.State != StateActive {
		return fmt.Errorf("txn: cannot prepare transaction %s: %w (state=%s)", t.ID, ErrWrongState, t.State)
	}
	for _, a := range t.PrepareActions {
		if err := a(t); err != nil {
			return fmt.Errorf("txn: prepare action failed: %w", err)
		}
	}
	t.PrepareTimestamp = prepareTS
	t.State = target
	return nil
}

// commit runs t's commit actions and moves it to Committed at commitTS.
func (t *Transaction) commit(commitTS store.Timestamp) error {
	if t.State != StateTransientCommitPrepared && t.State != StatePersistentCommitPrepared {
		return fmt.Errorf("txn: cannot commit transaction %s: %w (state=%s)", t.ID, ErrWrongState, t.State)
	}
	for _, a := range t.CommitActions {
		if err := a(t); err != nil {
			return fmt.Errorf("txn: commit action failed: %w", err)
		}
	}
	t.CommitTimestamp = commitTS
	t.State = StateCommitted
	return nil
}

// abort runs t's abort actions and moves it to Aborted. force is
// required unless t is still Active.
func (t *Transaction) abort(force bool) error {
	prepared := t.State == StateTransientCommitPrepared || t.State == StatePersistentCommitPrepared
	if prepared && !force {
		return ErrAbortRequiresForce
	}
	if t.State != StateActive && !prepared {
		return fmt.Errorf("txn: cannot abort transaction %s: %w (state=%s)", t.ID, ErrWrongState, t.State)
	}
	for _, a := range t.AbortActions {
		if err := a(t); err != nil {
			return fmt.Errorf("txn: abort action failed: %w", err)
		}
	}
	t.State = StateAborted
	return nil
}

// serialize runs t's serialize actions and moves it to Serialized,
// required to be Committed beforehand (barrier processing, spec §4.9).
func (t *Transaction) serialize() error {
	if t.State != StateCommitted {
		return fmt.Errorf("txn: cannot serialize transaction %s: %w (state=%s)", t.ID, ErrWrongState, t.State)
	}
	for _, a := range t.SerializeActions {
		if err := a(t); err != nil {
			return fmt.Errorf("txn: serialize action failed: %w", err)
		}
	}
	t.State = StateSerialized
	return nil
}
