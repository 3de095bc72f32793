package hydra

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tabstore/internal/mutation"
)

func TestResponseKeeperRunsOnceForFirstCall(t *testing.T) {
	k := NewResponseKeeper(time.Minute)
	m := mutation.Mutation{MutationID: "m1"}

	var calls int32
	err := k.Do(m, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
}

func TestResponseKeeperReplaysCachedResultOnRetry(t *testing.T) {
	k := NewResponseKeeper(time.Minute)
	m := mutation.Mutation{MutationID: "m2"}
	wantErr := errors.New("boom")

	var calls int32
	fn := func() error {
		atomic.AddInt32(&calls, 1)
		return wantErr
	}

	if err := k.Do(m, fn); !errors.Is(err, wantErr) {
		t.Fatalf("first Do: %v", err)
	}
	if err := k.Do(m, fn); !errors.Is(err, wantErr) {
		t.Fatalf("second Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1 (second call should replay cache)", calls)
	}
}

func TestResponseKeeperCollapsesConcurrentInflightCalls(t *testing.T) {
	k := NewResponseKeeper(time.Minute)
	m := mutation.Mutation{MutationID: "m3"}

	var calls int32
	release := make(chan struct{})
	fn := func() error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.Do(m, fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("got %d calls, want 1 (concurrent calls should collapse)", calls)
	}
}

func TestResponseKeeperEvictsAfterRetention(t *testing.T) {
	k := NewResponseKeeper(time.Second)
	m := mutation.Mutation{MutationID: "m4"}

	base := time.Now()
	cur := base
	k.SetClock(func() time.Time { return cur })

	var calls int32
	fn := func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	if err := k.Do(m, fn); err != nil {
		t.Fatalf("Do: %v", err)
	}
	cur = base.Add(2 * time.Second)
	if err := k.Do(m, fn); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("got %d calls, want 2 (cache entry should have expired)", calls)
	}
}
