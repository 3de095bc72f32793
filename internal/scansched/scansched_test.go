package scansched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerRunsScanImmediately(t *testing.T) {
	s, err := New(nil, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	var ran int32
	err = s.AddScan("test-scan", "0 0 1 1 *", func(ctx context.Context, p *Progress) {
		atomic.AddInt32(&ran, 1)
		p.IncrDone(1)
	})
	if err != nil {
		t.Fatalf("AddScan: %v", err)
	}

	if err := s.Trigger("test-scan"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&ran) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&ran) == 0 {
		t.Fatal("expected triggered scan to run")
	}
}

func TestAddScanRejectsDuplicateName(t *testing.T) {
	s, err := New(nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	noop := func(context.Context, *Progress) {}
	if err := s.AddScan("dup", "0 0 1 1 *", noop); err != nil {
		t.Fatalf("AddScan: %v", err)
	}
	if err := s.AddScan("dup", "0 0 1 1 *", noop); err == nil {
		t.Fatal("expected an error registering a duplicate scan name")
	}
}

func TestRemoveScanThenTriggerFails(t *testing.T) {
	s, err := New(nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.AddScan("removable", "0 0 1 1 *", func(context.Context, *Progress) {}); err != nil {
		t.Fatalf("AddScan: %v", err)
	}
	s.RemoveScan("removable")

	if err := s.Trigger("removable"); err == nil {
		t.Fatal("expected Trigger to fail for a removed scan")
	}
}

func TestListReturnsSortedScans(t *testing.T) {
	s, err := New(nil, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	noop := func(context.Context, *Progress) {}
	if err := s.AddScan("zeta", "0 0 1 1 *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddScan("alpha", "0 0 1 1 *", noop); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Fatalf("got %+v, want alpha before zeta", list)
	}
}
