package txn

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLeaseTrackerRenewKeepsAlive(t *testing.T) {
	lt := NewLeaseTracker(time.Second)
	base := time.Now()
	cur := base
	lt.SetClock(func() time.Time { return cur })

	id := uuid.New()
	lt.Renew(id)

	cur = base.Add(500 * time.Millisecond)
	lt.Renew(id)

	cur = base.Add(1200 * time.Millisecond)
	if expired := lt.Sweep(); len(expired) != 0 {
		t.Fatalf("got %v, expected no expiry yet", expired)
	}
}

func TestLeaseTrackerSweepExpiresStaleLease(t *testing.T) {
	lt := NewLeaseTracker(time.Second)
	base := time.Now()
	cur := base
	lt.SetClock(func() time.Time { return cur })

	id := uuid.New()
	lt.Renew(id)

	cur = base.Add(2 * time.Second)
	expired := lt.Sweep()
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("got %v", expired)
	}
	if expired2 := lt.Sweep(); len(expired2) != 0 {
		t.Fatal("expected lease removed after first sweep")
	}
}

func TestLeaseTrackerCloseRemovesLease(t *testing.T) {
	lt := NewLeaseTracker(time.Second)
	base := time.Now()
	cur := base
	lt.SetClock(func() time.Time { return cur })

	id := uuid.New()
	lt.Renew(id)
	lt.Close(id)

	cur = base.Add(2 * time.Second)
	if expired := lt.Sweep(); len(expired) != 0 {
		t.Fatalf("got %v, expected closed lease to not expire", expired)
	}
}
