package nodetracker

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/chunkserver"
)

type recordingMutator struct {
	unregistered []uuid.UUID
}

func (m *recordingMutator) UnregisterNode(id uuid.UUID) error {
	m.unregistered = append(m.unregistered, id)
	return nil
}

func TestRenewKeepsNodeActive(t *testing.T) {
	reg := chunkserver.NewRegistry()
	n := chunkserver.NewNode(uuid.New(), "addr", "rack", []int{0})
	n.SetState(chunkserver.NodeOnline)
	reg.Register(n)

	mut := &recordingMutator{}
	tr := NewTracker(reg, mut, Timeouts{Unconfirmed: time.Second, Registered: time.Second, Online: time.Minute})
	tr.Renew(n.ID)

	if !tr.Active(n.ID) {
		t.Fatal("expected node to be active right after renewal")
	}
}

func TestSweepUnregistersExpiredLease(t *testing.T) {
	reg := chunkserver.NewRegistry()
	n := chunkserver.NewNode(uuid.New(), "addr", "rack", []int{0})
	n.SetState(chunkserver.NodeRegistered)
	reg.Register(n)

	mut := &recordingMutator{}
	tr := NewTracker(reg, mut, Timeouts{Unconfirmed: time.Second, Registered: time.Second, Online: time.Minute})

	base := time.Now()
	cur := base
	tr.SetClock(func() time.Time { return cur })
	tr.Renew(n.ID)

	cur = base.Add(5 * time.Second)
	swept := tr.Sweep()

	if len(swept) != 1 || swept[0] != n.ID {
		t.Fatalf("expected node %s to be swept, got %v", n.ID, swept)
	}
	if len(mut.unregistered) != 1 || mut.unregistered[0] != n.ID {
		t.Fatalf("expected UnregisterNode mutation for %s", n.ID)
	}
}

func TestSweepLeavesLiveLeasesAlone(t *testing.T) {
	reg := chunkserver.NewRegistry()
	n := chunkserver.NewNode(uuid.New(), "addr", "rack", []int{0})
	n.SetState(chunkserver.NodeOnline)
	reg.Register(n)

	mut := &recordingMutator{}
	tr := NewTracker(reg, mut, Timeouts{Unconfirmed: time.Second, Registered: time.Second, Online: time.Minute})

	base := time.Now()
	cur := base
	tr.SetClock(func() time.Time { return cur })
	tr.Renew(n.ID)

	cur = base.Add(time.Second)
	swept := tr.Sweep()

	if len(swept) != 0 {
		t.Fatalf("expected no sweeps, got %v", swept)
	}
	if !tr.Active(n.ID) {
		t.Fatal("expected node to remain active")
	}
}

func TestDropRemovesLease(t *testing.T) {
	reg := chunkserver.NewRegistry()
	n := chunkserver.NewNode(uuid.New(), "addr", "rack", []int{0})
	reg.Register(n)

	mut := &recordingMutator{}
	tr := NewTracker(reg, mut, DefaultTimeouts)
	tr.Renew(n.ID)
	tr.Drop(n.ID)

	if tr.Active(n.ID) {
		t.Fatal("expected lease to be gone after Drop")
	}
}
