package slot

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"tabstore/internal/mutation"
	"tabstore/internal/tabletnode/store"
	"tabstore/internal/tabletnode/storemgr"
)

func TestNewSlotWiresTransactionMutations(t *testing.T) {
	s := New(uuid.New(), 7, func() uint32 { return 7 }, nil)
	if s.State() != StateCreating {
		t.Fatalf("state = %v, want Creating", s.State())
	}

	id := uuid.New()
	s.txnMgr.StartTransaction(id, store.Timestamp(1), false)

	prepPayload := struct {
		TransactionID uuid.UUID `msgpack:"transaction_id"`
		Timestamp     uint64    `msgpack:"timestamp"`
		Persistent    bool      `msgpack:"persistent"`
	}{TransactionID: id, Timestamp: 2, Persistent: false}
	m, err := mutation.Encode(mutation.KindPrepareTransaction, "m1", prepPayload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res := s.fsm.Apply(&raft.Log{Data: mustMarshal(t, m)}); res != nil {
		if err, ok := res.(error); ok && err != nil {
			t.Fatalf("Apply prepare: %v", err)
		}
	}

	tr, ok := s.txnMgr.Transaction(id)
	if !ok {
		t.Fatal("transaction not found")
	}
	if tr.State.String() == "" {
		t.Fatal("expected non-empty state string")
	}
}

func TestSlotMountUnmountTablet(t *testing.T) {
	s := New(uuid.New(), 1, nil, nil)
	tabletID := uuid.New()
	mgr := storemgr.New(tabletID, storemgr.KindSorted, storemgr.DefaultRotationPolicy, nil)

	s.MountTablet(tabletID, mgr)
	got, ok := s.Tablet(tabletID)
	if !ok || got != mgr {
		t.Fatal("expected mounted tablet to be retrievable")
	}

	s.UnmountTablet(tabletID)
	if _, ok := s.Tablet(tabletID); ok {
		t.Fatal("expected tablet to be unmounted")
	}
}

func TestSlotConfigureUpdatesPeers(t *testing.T) {
	s := New(uuid.New(), 1, nil, nil)
	s.Configure(PeerSet{1: "host-a:9000", 2: "host-b:9000"})
	if len(s.Peers()) != 2 {
		t.Fatalf("peers = %v", s.Peers())
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v, want Active after configure", s.State())
	}
}

func TestSlotHiveMessageDispatch(t *testing.T) {
	s := New(uuid.New(), 1, nil, nil)
	done := make(chan HiveMessage, 1)
	s.RegisterHiveHandler(5, func(m HiveMessage) error {
		done <- m
		return nil
	})

	s.DeliverHiveMessage(HiveMessage{SourceCellTag: 5, Payload: []byte("hello")})

	select {
	case got := <-done:
		if string(got.Payload) != "hello" {
			t.Fatalf("payload = %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hive handler")
	}
}

func mustMarshal(t *testing.T, m mutation.Mutation) []byte {
	t.Helper()
	b, err := mutation.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}
