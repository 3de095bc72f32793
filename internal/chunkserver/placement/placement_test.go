package placement

import (
	"testing"

	"github.com/google/uuid"

	"tabstore/internal/chunkserver"
)

func onlineNode(addr, rack string, used, free int64) *chunkserver.Node {
	n := chunkserver.NewNode(uuid.New(), addr, rack, []int{0})
	n.SetState(chunkserver.NodeOnline)
	n.SetLoad(0, chunkserver.LoadStats{UsedBytes: used, FreeBytes: free})
	return n
}

func TestSelectTargetsPrefersLeastLoaded(t *testing.T) {
	reg := chunkserver.NewRegistry()
	light := onlineNode("light", "rack-a", 10, 90)
	heavy := onlineNode("heavy", "rack-b", 90, 10)
	reg.Register(light)
	reg.Register(heavy)

	idx := NewIndex(reg)
	chosen, err := idx.SelectTargets(Constraints{MediumIndex: 0}, 1, nil)
	if err != nil {
		t.Fatalf("SelectTargets: %v", err)
	}
	if len(chosen) != 1 || chosen[0].ID != light.ID {
		t.Fatalf("expected to choose the lightly loaded node")
	}
}

func TestSelectTargetsExcludesFullNodes(t *testing.T) {
	reg := chunkserver.NewRegistry()
	full := onlineNode("full", "rack-a", 99, 1)
	full.SetLoad(0, chunkserver.LoadStats{UsedBytes: 99, FreeBytes: 1, Full: true})
	ok := onlineNode("ok", "rack-b", 10, 90)
	reg.Register(full)
	reg.Register(ok)

	idx := NewIndex(reg)
	chosen, err := idx.SelectTargets(Constraints{MediumIndex: 0}, 1, nil)
	if err != nil {
		t.Fatalf("SelectTargets: %v", err)
	}
	if chosen[0].ID != ok.ID {
		t.Fatalf("expected to skip the full node")
	}
}

func TestSelectTargetsRespectsRackCap(t *testing.T) {
	reg := chunkserver.NewRegistry()
	a1 := onlineNode("a1", "rack-a", 10, 90)
	a2 := onlineNode("a2", "rack-a", 11, 89)
	b1 := onlineNode("b1", "rack-b", 50, 50)
	reg.Register(a1)
	reg.Register(a2)
	reg.Register(b1)

	idx := NewIndex(reg)
	chosen, err := idx.SelectTargets(Constraints{MediumIndex: 0, MaxReplicasPerRack: 1}, 2, nil)
	if err != nil {
		t.Fatalf("SelectTargets: %v", err)
	}
	racks := map[string]int{}
	for _, n := range chosen {
		racks[n.Rack]++
	}
	for rack, count := range racks {
		if count > 1 {
			t.Fatalf("rack %s got %d replicas, want <= 1", rack, count)
		}
	}
}

func TestSelectTargetsPreferredHostFirst(t *testing.T) {
	reg := chunkserver.NewRegistry()
	preferred := onlineNode("preferred", "rack-a", 80, 20)
	other := onlineNode("other", "rack-b", 10, 90)
	reg.Register(preferred)
	reg.Register(other)

	idx := NewIndex(reg)
	chosen, err := idx.SelectTargets(Constraints{MediumIndex: 0, PreferredHosts: []string{"preferred"}}, 1, nil)
	if err != nil {
		t.Fatalf("SelectTargets: %v", err)
	}
	if chosen[0].Address != "preferred" {
		t.Fatalf("expected preferred host to be chosen despite higher load")
	}
}

func TestSelectTargetsNotEnoughReturnsError(t *testing.T) {
	reg := chunkserver.NewRegistry()
	reg.Register(onlineNode("only", "rack-a", 10, 90))

	idx := NewIndex(reg)
	_, err := idx.SelectTargets(Constraints{MediumIndex: 0}, 3, nil)
	if err == nil {
		t.Fatal("expected ErrNotEnoughTargets")
	}
}

func TestBalancingSourceDetectsOverfullNode(t *testing.T) {
	reg := chunkserver.NewRegistry()
	overfull := onlineNode("overfull", "rack-a", 95, 5)
	average := onlineNode("average", "rack-b", 20, 80)
	reg.Register(overfull)
	reg.Register(average)

	idx := NewIndex(reg)
	src, ok := idx.BalancingSource(0, 0.1)
	if !ok || src.ID != overfull.ID {
		t.Fatalf("expected overfull node to be selected as balancing source")
	}
}

func TestBalancingSourceNoneWhenBalanced(t *testing.T) {
	reg := chunkserver.NewRegistry()
	reg.Register(onlineNode("a", "rack-a", 50, 50))
	reg.Register(onlineNode("b", "rack-b", 52, 48))

	idx := NewIndex(reg)
	_, ok := idx.BalancingSource(0, 0.1)
	if ok {
		t.Fatal("expected no balancing source when load is roughly even")
	}
}

func TestRemovalTargetsOrdersByDescendingLoad(t *testing.T) {
	reg := chunkserver.NewRegistry()
	idx := NewIndex(reg)
	light := onlineNode("light", "rack-a", 10, 90)
	heavy := onlineNode("heavy", "rack-b", 90, 10)

	ranked := idx.RemovalTargets(0, []*chunkserver.Node{light, heavy})
	if ranked[0].ID != heavy.ID {
		t.Fatalf("expected heaviest node first")
	}
}
