// Package hydra wraps hashicorp/raft as the replicated state machine
// substrate spec §9 treats as an external collaborator ("Hydra" is the
// glossary name for this role). It owns the raft.Raft instance, log/
// snapshot storage, and an FSM that dispatches decoded mutations to a
// registered handler table — grounded on the deleted config/raftfsm and
// config/raftstore packages, generalized from a fixed config-command
// switch to an open handler registry so chunk-server and tablet-node
// automatons can each register their own mutation kinds.
package hydra

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"tabstore/internal/mutation"
)

// Handler applies one decoded mutation to application state. Returning
// an error fails the raft.Apply future but does not crash the FSM —
// per spec §7, mutation handlers must treat all failures as retriable
// by the caller, not as automaton-fatal.
type Handler func(m mutation.Mutation) error

// Snapshotter lets a registered component contribute streamed entries
// to a hydra snapshot and restore from one (spec §9 snapshot-as-stream
// design note).
type Snapshotter interface {
	SnapshotEntries() ([]mutation.SnapshotEntry, error)
	RestoreEntry(e mutation.SnapshotEntry) error
}

// FSM implements raft.FSM by dispatching decoded mutations to handlers
// registered by Kind (spec §4.1/§4.10: each module owns its own
// mutation kinds; the FSM itself stays domain-agnostic).
type FSM struct {
	handlers     map[mutation.Kind]Handler
	snapshotters []Snapshotter
	responses    *ResponseKeeper
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM() *FSM {
	return &FSM{
		handlers:  make(map[mutation.Kind]Handler),
		responses: NewResponseKeeper(0),
	}
}

// Register binds a handler to a mutation kind. Must be called before
// the FSM is attached to a running raft.Raft (no handler hot-swap).
func (f *FSM) Register(kind mutation.Kind, h Handler) {
	f.handlers[kind] = h
}

// RegisterSnapshotter adds a component to the snapshot/restore stream.
func (f *FSM) RegisterSnapshotter(s Snapshotter) {
	f.snapshotters = append(f.snapshotters, s)
}

// Apply decodes one committed log entry and dispatches it to its
// registered handler, returning the handler's error (or an
// unknown-mutation error) as the raft.ApplyFuture's Response(). A
// mutation carrying a MutationID is routed through the FSM's
// ResponseKeeper first, so a client that retries an Apply after an
// uncertain outcome observes the original result instead of re-running
// the handler a second time (spec SUPPLEMENTED FEATURES: response
// keeper / mutation dedup).
func (f *FSM) Apply(l *raft.Log) any {
	m, err := mutation.Unmarshal(l.Data)
	if err != nil {
		return fmt.Errorf("hydra: unmarshal mutation: %w", err)
	}
	h, ok := f.handlers[m.Kind]
	if !ok {
		return fmt.Errorf("hydra: no handler registered for mutation kind %q", m.Kind)
	}
	if m.MutationID == "" {
		if err := h(m); err != nil {
			return err
		}
		return nil
	}
	if err := f.responses.Do(m, func() error { return h(m) }); err != nil {
		return err
	}
	return nil
}

// Snapshot captures a streamed snapshot from every registered
// Snapshotter (spec §9).
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var entries []mutation.SnapshotEntry
	for _, s := range f.snapshotters {
		es, err := s.SnapshotEntries()
		if err != nil {
			return nil, fmt.Errorf("hydra: snapshot: %w", err)
		}
		entries = append(entries, es...)
	}
	return &fsmSnapshot{entries: entries}, nil
}

// Restore replays a streamed snapshot back through each entry's
// matching handler's restore path. Since entries are tagged by Kind but
// dispatched generically, every registered Snapshotter sees every
// entry and decides for itself whether to apply it — mirroring the
// FSM.Apply dispatch-by-tag discipline rather than requiring a second,
// parallel routing table.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("hydra: restore: read: %w", err)
	}
	for len(buf) > 0 {
		e, n, ok, err := mutation.ReadSnapshotEntry(buf)
		if err != nil {
			return fmt.Errorf("hydra: restore: %w", err)
		}
		if !ok {
			return fmt.Errorf("hydra: restore: truncated snapshot stream")
		}
		for _, s := range f.snapshotters {
			if err := s.RestoreEntry(e); err != nil {
				return fmt.Errorf("hydra: restore entry %s/%s: %w", e.Kind, e.Key, err)
			}
		}
		buf = buf[n:]
	}
	return nil
}

type fsmSnapshot struct {
	entries []mutation.SnapshotEntry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	for _, e := range s.entries {
		b, err := mutation.MarshalSnapshotEntry(e)
		if err != nil {
			sink.Cancel()
			return err
		}
		if _, err := sink.Write(b); err != nil {
			sink.Cancel()
			return err
		}
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Config configures a single hydra node (spec §9: single-node or small
// static cluster; dynamic membership change is out of scope per spec
// §1 Non-goals: "implementing a novel consensus protocol").
type Config struct {
	NodeID      string
	BindAddr    string
	DataDir     string
	Bootstrap   bool // true for the first node of a fresh cluster
}

// Node bundles a running raft.Raft with its FSM for the owning
// component to call Apply through.
type Node struct {
	Raft *raft.Raft
	FSM  *FSM

	transport *raft.NetworkTransport
	logStore  raft.LogStore
	stableStore raft.StableStore
	snapStore raft.SnapshotStore
}

// Start creates the raft log/stable/snapshot stores and transport, and
// brings up a raft.Raft bound to fsm, bootstrapping a single-node
// cluster if cfg.Bootstrap is set (spec §9's "Hydra" external-
// collaborator role, given one concrete backing so the rest of the
// system can be exercised end-to-end).
func Start(cfg Config, fsm *FSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("hydra: create data dir: %w", err)
	}

	boltPath := filepath.Join(cfg.DataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("hydra: open bolt log store: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("hydra: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("hydra: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("hydra: create transport: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	r, err := raft.NewRaft(raftConfig, fsm, logStore, logStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("hydra: create raft: %w", err)
	}

	if cfg.Bootstrap {
		cfgFuture := raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		}
		r.BootstrapCluster(cfgFuture)
	}

	return &Node{Raft: r, FSM: fsm, transport: transport, logStore: logStore, stableStore: logStore, snapStore: snapStore}, nil
}

// Apply submits a mutation to the raft log, blocking until it is
// committed (or the timeout elapses), and returns the handler's error
// if any (spec §4.1: "mutations are only visible once committed").
func (n *Node) Apply(m mutation.Mutation, timeout time.Duration) error {
	b, err := mutation.Marshal(m)
	if err != nil {
		return err
	}
	future := n.Raft.Apply(b, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("hydra: apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if herr, ok := resp.(error); ok && herr != nil {
			return herr
		}
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership —
// the gate for leader-only state like node lease tracking and tablet
// transaction leases (spec §4.5, §4.9).
func (n *Node) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// Shutdown stops the raft instance and closes its transport.
func (n *Node) Shutdown() error {
	if err := n.Raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("hydra: shutdown: %w", err)
	}
	return n.transport.Close()
}
