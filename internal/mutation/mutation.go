// Package mutation defines the wire encoding for replicated state
// machine mutations and snapshots (spec §4.1/§9: "commands are
// msgpack-encoded tagged unions dispatched by the FSM", a re-architecture
// of the deleted config/command package's protobuf scheme onto
// msgpack, since no protobuf schema ships with this module).
package mutation

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags which mutation a Mutation payload carries, dispatched by the
// automaton's Apply method (spec §4.1, §4.10).
type Kind string

const (
	KindRegisterNode           Kind = "register_node"
	KindUnregisterNode         Kind = "unregister_node"
	KindHeartbeat              Kind = "heartbeat"
	KindCreateChunk            Kind = "create_chunk"
	KindConfirmChunk           Kind = "confirm_chunk"
	KindSealChunk              Kind = "seal_chunk"
	KindAppendChunkToList      Kind = "append_chunk_to_list"
	KindUpdateChunkProperties  Kind = "update_chunk_properties"
	KindCreateTablet           Kind = "create_tablet"
	KindMountTablet            Kind = "mount_tablet"
	KindUnmountTablet          Kind = "unmount_tablet"
	KindSplitPartition         Kind = "split_partition"
	KindMergePartitions        Kind = "merge_partitions"
	KindCommitTabletStoresUpdate Kind = "commit_tablet_stores_update"
	KindStartTransaction       Kind = "start_transaction"
	KindPrepareTransaction     Kind = "prepare_transaction"
	KindCommitTransaction      Kind = "commit_transaction"
	KindAbortTransaction       Kind = "abort_transaction"
	KindTransactionBarrier     Kind = "transaction_barrier"
)

// Mutation is one replicated log entry: a kind tag plus an
// already-msgpack-encoded payload, deferring payload decode to the
// handler registered for Kind (spec §4.1: "the FSM dispatches by tag
// without needing to know every payload shape up front").
type Mutation struct {
	Kind      Kind   `msgpack:"kind"`
	MutationID string `msgpack:"mutation_id"` // idempotency key, spec SUPPLEMENTED FEATURES: response keeper
	Payload   msgpack.RawMessage `msgpack:"payload"`
}

// Encode serializes a typed payload into a Mutation envelope.
func Encode(kind Kind, mutationID string, payload any) (Mutation, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return Mutation{}, fmt.Errorf("mutation: encode payload for %s: %w", kind, err)
	}
	return Mutation{Kind: kind, MutationID: mutationID, Payload: raw}, nil
}

// DecodePayload unmarshals a Mutation's payload into dst.
func DecodePayload(m Mutation, dst any) error {
	if err := msgpack.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("mutation: decode payload for %s: %w", m.Kind, err)
	}
	return nil
}

// Marshal serializes a Mutation envelope to bytes for raft.Apply().
func Marshal(m Mutation) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal deserializes bytes back into a Mutation envelope.
func Unmarshal(b []byte) (Mutation, error) {
	var m Mutation
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Mutation{}, fmt.Errorf("mutation: unmarshal: %w", err)
	}
	return m, nil
}

// SnapshotEntry is one key/value record in a streamed snapshot (spec
// §9: "snapshot as a stream of typed key/value records rather than one
// giant encoded blob, so Restore can apply records incrementally
// without materializing the whole state machine in memory at once").
type SnapshotEntry struct {
	Kind    Kind               `msgpack:"kind"`
	Key     string             `msgpack:"key"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// EncodeSnapshotEntry builds one streamed snapshot record.
func EncodeSnapshotEntry(kind Kind, key string, payload any) (SnapshotEntry, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return SnapshotEntry{}, fmt.Errorf("mutation: encode snapshot entry %s/%s: %w", kind, key, err)
	}
	return SnapshotEntry{Kind: kind, Key: key, Payload: raw}, nil
}

// MarshalSnapshotEntry serializes one entry with a length prefix so a
// stream of them can be written back to back and decoded incrementally.
func MarshalSnapshotEntry(e SnapshotEntry) ([]byte, error) {
	body, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal snapshot entry: %w", err)
	}
	prefixed := make([]byte, 4+len(body))
	putUint32(prefixed, uint32(len(body)))
	copy(prefixed[4:], body)
	return prefixed, nil
}

// ReadSnapshotEntry reads one length-prefixed entry from buf, returning
// the entry, the number of bytes consumed, and whether a full entry was
// available.
func ReadSnapshotEntry(buf []byte) (SnapshotEntry, int, bool, error) {
	if len(buf) < 4 {
		return SnapshotEntry{}, 0, false, nil
	}
	n := int(getUint32(buf))
	if len(buf) < 4+n {
		return SnapshotEntry{}, 0, false, nil
	}
	var e SnapshotEntry
	if err := msgpack.Unmarshal(buf[4:4+n], &e); err != nil {
		return SnapshotEntry{}, 0, false, fmt.Errorf("mutation: unmarshal snapshot entry: %w", err)
	}
	return e, 4 + n, true, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
