// Package slot implements the tablet slot: the per-tablet-cell
// container that hosts one cell's automaton, Hydra manager, transaction
// manager, and tablet store managers, driven by master directives to
// create, configure, and remove slots (spec §4.10, grounded on
// original_source's tablet_slot.{h,cpp} and automaton.h).
package slot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/async"
	"tabstore/internal/hydra"
	"tabstore/internal/logging"
	"tabstore/internal/mutation"
	"tabstore/internal/tabletnode/store"
	"tabstore/internal/tabletnode/storemgr"
	"tabstore/internal/tabletnode/txn"
)

// State is a slot's lifecycle state, driven by master configure/remove
// directives (spec §4.10: "Slots are created, configured (peer-set
// changes), and removed in response to master directives").
type State int

const (
	StateCreating State = iota
	StateActive
	StateConfiguring
	StateRemoving
	StateRemoved
)

// PeerSet is the tablet cell's current peer addresses, keyed by peer id
// (spec §4.10: "a cell manager for the peer set").
type PeerSet map[int]string

// HiveMessage is a cross-cell message delivered by the hive manager
// (spec §4.10: "a hive manager for cross-cell messages"); the hive
// transport itself is out of this core's scope (spec §6 lists RPC/
// node-to-node I/O as external interfaces), so messages are modeled as
// opaque payloads routed to a handler.
type HiveMessage struct {
	SourceCellTag uint32
	Payload       []byte
}

// Slot hosts one tablet cell's automaton: a single-threaded invoker that
// is the only context in which the cell's Hydra node, transaction
// manager, and tablet store managers may be mutated (spec §5: "a
// function annotated automaton-thread may mutate state without
// locking").
type Slot struct {
	CellID  uuid.UUID
	CellTag uint32

	logger *slog.Logger

	mu    sync.RWMutex
	state State
	peers PeerSet

	automaton *async.SerialInvoker
	hydraNode *hydra.Node
	fsm       *hydra.FSM
	txnMgr    *txn.Manager

	tablets map[uuid.UUID]*storemgr.Manager

	hiveHandlers map[uint32]func(HiveMessage) error
}

// New creates a slot in the Creating state. The caller attaches its
// Hydra node (Start) once it knows the slot's bind address and peer set.
func New(cellID uuid.UUID, cellTag uint32, clusterTag txn.ExpectedClusterTag, logger *slog.Logger) *Slot {
	logger = logging.Default(logger).With("component", "tabletnode.slot", "cell", cellID)
	s := &Slot{
		CellID:       cellID,
		CellTag:      cellTag,
		logger:       logger,
		state:        StateCreating,
		automaton:    async.NewSerialInvoker(0),
		fsm:          hydra.NewFSM(),
		txnMgr:       txn.NewManager(cellTag, clusterTag),
		tablets:      make(map[uuid.UUID]*storemgr.Manager),
		hiveHandlers: make(map[uint32]func(HiveMessage) error),
	}
	s.wireTransactionMutations()
	return s
}

// wireTransactionMutations registers the FSM handlers for the
// transaction manager's mutations (spec §4.9's RegisterTransactionActions/
// PrepareCommit/CommitTransaction/AbortTransaction/HandleTransactionBarrier,
// spec §6: "on apply, deterministic handler is called in the automaton
// invoker").
func (s *Slot) wireTransactionMutations() {
	type prepareCommitPayload struct {
		TransactionID uuid.UUID `msgpack:"transaction_id"`
		Timestamp     uint64    `msgpack:"timestamp"`
		Persistent    bool      `msgpack:"persistent"`
	}
	s.fsm.Register(mutation.KindPrepareTransaction, func(m mutation.Mutation) error {
		var p prepareCommitPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		return s.txnMgr.PrepareCommit(p.TransactionID, store.Timestamp(p.Timestamp), p.Persistent)
	})

	type commitPayload struct {
		TransactionID uuid.UUID `msgpack:"transaction_id"`
		Timestamp     uint64    `msgpack:"timestamp"`
		ClusterTag    uint32    `msgpack:"cluster_tag"`
		RemoteCellTag uint32    `msgpack:"remote_cell_tag"`
	}
	s.fsm.Register(mutation.KindCommitTransaction, func(m mutation.Mutation) error {
		var p commitPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		return s.txnMgr.CommitTransaction(p.TransactionID, store.Timestamp(p.Timestamp), p.ClusterTag, p.RemoteCellTag)
	})

	type abortPayload struct {
		TransactionID uuid.UUID `msgpack:"transaction_id"`
		Force         bool      `msgpack:"force"`
	}
	s.fsm.Register(mutation.KindAbortTransaction, func(m mutation.Mutation) error {
		var p abortPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		return s.txnMgr.AbortTransaction(p.TransactionID, p.Force)
	})

	type barrierPayload struct {
		Timestamp uint64 `msgpack:"timestamp"`
	}
	s.fsm.Register(mutation.KindTransactionBarrier, func(m mutation.Mutation) error {
		var p barrierPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		return s.txnMgr.HandleTransactionBarrier(store.Timestamp(p.Timestamp))
	})
}

// RegisterHandler binds an additional mutation kind's handler onto this
// slot's FSM (spec §4.10: the tablet manager's CreateTablet/MountTablet/
// UnmountTablet directives are dispatched the same way as the
// transaction kinds wired in wireTransactionMutations). Must be called
// before AttachHydra.
func (s *Slot) RegisterHandler(kind mutation.Kind, h hydra.Handler) {
	s.fsm.Register(kind, h)
}

// AttachHydra starts (or re-attaches) the cell's replicated state
// machine. Called once the slot knows its bind address and bootstrap
// peers.
func (s *Slot) AttachHydra(cfg hydra.Config) error {
	node, err := hydra.Start(cfg, s.fsm)
	if err != nil {
		return fmt.Errorf("slot: start hydra node: %w", err)
	}
	s.mu.Lock()
	s.hydraNode = node
	s.state = StateActive
	s.mu.Unlock()
	return nil
}

// Invoke schedules fn to run on the slot's automaton invoker, the only
// context from which the slot's transaction manager and tablet store
// managers may be safely mutated.
func (s *Slot) Invoke(fn func()) {
	s.automaton.Invoke(fn)
}

// Apply submits a mutation to the slot's Hydra node and blocks until it
// is applied (or timeout elapses).
func (s *Slot) Apply(m mutation.Mutation, timeout time.Duration) error {
	s.mu.RLock()
	node := s.hydraNode
	s.mu.RUnlock()
	if node == nil {
		return fmt.Errorf("slot: hydra node not attached")
	}
	return node.Apply(m, timeout)
}

// IsLeader reports whether this slot's Hydra node currently leads its
// cell.
func (s *Slot) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydraNode != nil && s.hydraNode.IsLeader()
}

// State returns the slot's current lifecycle state.
func (s *Slot) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Configure applies a peer-set change directive from the master (spec
// §4.10: "configured (peer-set changes)").
func (s *Slot) Configure(peers PeerSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConfiguring
	s.peers = peers
	s.state = StateActive
}

// Peers returns the slot's current peer set.
func (s *Slot) Peers() PeerSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers
}

// MountTablet attaches a tablet's store manager to this slot (spec
// §4.10: the slot "owns ... the tablet manager").
func (s *Slot) MountTablet(tabletID uuid.UUID, mgr *storemgr.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tablets[tabletID] = mgr
}

// UnmountTablet detaches a tablet from this slot.
func (s *Slot) UnmountTablet(tabletID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tablets, tabletID)
}

// Tablet returns a mounted tablet's store manager.
func (s *Slot) Tablet(tabletID uuid.UUID) (*storemgr.Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mgr, ok := s.tablets[tabletID]
	return mgr, ok
}

// TransactionManager returns the slot's transaction manager.
func (s *Slot) TransactionManager() *txn.Manager {
	return s.txnMgr
}

// RegisterHiveHandler installs the handler invoked for hive messages
// arriving from sourceCellTag.
func (s *Slot) RegisterHiveHandler(sourceCellTag uint32, h func(HiveMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hiveHandlers[sourceCellTag] = h
}

// DeliverHiveMessage dispatches an incoming cross-cell message to its
// registered handler, on the automaton invoker (spec §4.10's hive
// manager delivers onto the owning slot's automaton, per spec §5's
// invoker discipline).
func (s *Slot) DeliverHiveMessage(msg HiveMessage) {
	s.mu.RLock()
	h, ok := s.hiveHandlers[msg.SourceCellTag]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("no hive handler registered", "source_cell_tag", msg.SourceCellTag)
		return
	}
	s.Invoke(func() {
		if err := h(msg); err != nil {
			s.logger.Warn("hive message handler failed", "source_cell_tag", msg.SourceCellTag, "error", err)
		}
	})
}

// Remove transitions the slot to Removing then Removed, shutting down
// its Hydra node. Called when the master directs this node to stop
// hosting the cell (spec §4.10).
func (s *Slot) Remove() error {
	s.mu.Lock()
	s.state = StateRemoving
	node := s.hydraNode
	s.mu.Unlock()

	if node != nil {
		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("slot: shutdown hydra node: %w", err)
		}
	}

	s.mu.Lock()
	s.state = StateRemoved
	s.mu.Unlock()
	return nil
}
