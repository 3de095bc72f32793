package async

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// =============================================================================
// Future/Promise basic contract
// =============================================================================

func TestSetThenGet(t *testing.T) {
	p, f := NewFuture[int]()
	p.Set(42)

	v, err := f.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestSetErrorThenGet(t *testing.T) {
	p, f := NewFuture[int]()
	wantErr := errors.New("boom")
	p.SetError(wantErr)

	_, err := f.Get()
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestSetPanicsWhenAlreadySet(t *testing.T) {
	p, _ := NewFuture[int]()
	p.Set(1)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Set")
		}
	}()
	p.Set(2)
}

func TestTrySetIsIdempotent(t *testing.T) {
	p, _ := NewFuture[int]()
	if !p.TrySet(1) {
		t.Fatal("first TrySet should succeed")
	}
	if p.TrySet(2) {
		t.Fatal("second TrySet should fail")
	}
}

func TestSubscribeOnAlreadySetRunsSynchronously(t *testing.T) {
	p, f := NewFuture[int]()
	p.Set(7)

	var got int
	ran := false
	f.Subscribe(func(v int, err error) {
		got = v
		ran = true
	})
	if !ran || got != 7 {
		t.Fatalf("subscriber did not run synchronously: ran=%v got=%d", ran, got)
	}
}

func TestSubscribeBeforeSetRunsOnSetterGoroutine(t *testing.T) {
	p, f := NewFuture[int]()
	done := make(chan int, 1)
	f.Subscribe(func(v int, err error) {
		done <- v
	})
	p.Set(9)
	if got := <-done; got != 9 {
		t.Fatalf("got %d, want 9", got)
	}
}

func TestSubscribersInvokedExactlyOnceInOrder(t *testing.T) {
	p, f := NewFuture[int]()
	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		f.Subscribe(func(v int, err error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	p.Set(1)
	for i, v := range order {
		if v != i {
			t.Fatalf("subscriber order violated: %v", order)
		}
	}
}

// =============================================================================
// Abandonment
// =============================================================================

func TestAbandonedPromiseWithoutValue(t *testing.T) {
	p, f := NewFuture[int]()
	done := make(chan error, 1)
	f.Subscribe(func(v int, err error) { done <- err })

	p.Release()

	err := <-done
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("got %v, want ErrAbandoned", err)
	}
}

func TestReleaseAfterSetIsNotAbandoned(t *testing.T) {
	p, f := NewFuture[int]()
	p.Set(5)
	p.Release()

	v, err := f.Get()
	if err != nil || v != 5 {
		t.Fatalf("got (%d, %v), want (5, nil)", v, err)
	}
}

func TestAddRefDelaysAbandonment(t *testing.T) {
	p, f := NewFuture[int]()
	p2 := p.AddRef()

	p.Release()
	select {
	case <-f.s.wait():
		t.Fatal("future completed before all promise refs released")
	default:
	}

	p2.Release()
	_, err := f.Get()
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("got %v, want ErrAbandoned", err)
	}
}

// =============================================================================
// Cancellation
// =============================================================================

func TestCancelWithoutHandlerSetsCanceledError(t *testing.T) {
	_, f := NewFuture[int]()
	f.Cancel(nil)

	_, err := f.Get()
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("got %v, want ErrCanceled", err)
	}
}

func TestCancelInvokesHandlerAtMostOnce(t *testing.T) {
	_, f := NewFuture[int]()
	var calls atomic.Int32
	f.SubscribeCancel(func(error) { calls.Add(1) })

	f.Cancel(nil)
	f.Cancel(nil)

	if got := calls.Load(); got != 1 {
		t.Fatalf("cancel handler called %d times, want 1", got)
	}
}

func TestCancelDoesNotOverwriteAlreadySetValue(t *testing.T) {
	p, f := NewFuture[int]()
	p.Set(3)
	f.Cancel(nil)

	v, err := f.Get()
	if err != nil || v != 3 {
		t.Fatalf("got (%d, %v), want (3, nil): cancellation must be advisory", v, err)
	}
}

// =============================================================================
// Apply / Join
// =============================================================================

func TestApplyPropagatesError(t *testing.T) {
	p, f := NewFuture[int]()
	called := false
	rf := Apply(f, func(v int) (int, error) {
		called = true
		return v * 2, nil
	})
	p.SetError(errors.New("fail"))

	_, err := rf.Get()
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if called {
		t.Fatal("fn must not be invoked when source errored")
	}
}

func TestApplyRunsOnValue(t *testing.T) {
	p, f := NewFuture[int]()
	rf := Apply(f, func(v int) (int, error) { return v * 2, nil })
	p.Set(21)

	v, err := rf.Get()
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}
}

func TestJoinCollectsInOrder(t *testing.T) {
	p1, f1 := NewFuture[int]()
	p2, f2 := NewFuture[int]()
	p3, f3 := NewFuture[int]()

	jf := Join(f1, f2, f3)
	p3.Set(3)
	p1.Set(1)
	p2.Set(2)

	vs, err := jf.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vs) != 3 || vs[0] != 1 || vs[1] != 2 || vs[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", vs)
	}
}

func TestJoinPropagatesFirstError(t *testing.T) {
	p1, f1 := NewFuture[int]()
	p2, f2 := NewFuture[int]()

	jf := Join(f1, f2)
	wantErr := errors.New("bad")
	p2.SetError(wantErr)
	p1.Set(1)

	_, err := jf.Get()
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}
