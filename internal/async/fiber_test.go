package async

import (
	"errors"
	"testing"
	"time"
)

func TestWaitForResumesOnTargetInvoker(t *testing.T) {
	src := NewSerialInvoker(4)
	dst := NewSerialInvoker(4)
	defer src.Shutdown()
	defer dst.Shutdown()

	p, f := NewFuture[int]()

	resultCh := make(chan int, 1)
	Go(src, func(fb *Fiber) {
		v, err := WaitFor(fb, f, dst)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resultCh <- v
	})

	time.Sleep(10 * time.Millisecond)
	p.Set(99)

	select {
	case v := <-resultCh:
		if v != 99 {
			t.Fatalf("got %d, want 99", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fiber resume")
	}
}

func TestWaitForPropagatesCancellation(t *testing.T) {
	inv := NewSerialInvoker(4)
	defer inv.Shutdown()

	_, f := NewFuture[int]()
	canceledCh := make(chan struct{})
	f.SubscribeCancel(func(error) { close(canceledCh) })

	done := make(chan error, 1)
	fb := Go(inv, func(fb *Fiber) {
		_, err := WaitFor(fb, f, inv)
		done <- err
	})

	time.Sleep(10 * time.Millisecond)
	fb.Cancel()

	select {
	case <-canceledCh:
	case <-time.After(time.Second):
		t.Fatal("cancellation did not propagate to awaited future")
	}
	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("got %v, want ErrCanceled", err)
	}
}

func TestNestedWaitFor(t *testing.T) {
	inv := NewSerialInvoker(4)
	defer inv.Shutdown()

	p1, f1 := NewFuture[int]()
	p2, f2 := NewFuture[int]()

	resultCh := make(chan int, 1)
	Go(inv, func(fb *Fiber) {
		a, _ := WaitFor(fb, f1, inv)
		b, _ := WaitFor(fb, f2, inv)
		resultCh <- a + b
	})

	time.Sleep(5 * time.Millisecond)
	p1.Set(10)
	time.Sleep(5 * time.Millisecond)
	p2.Set(32)

	select {
	case v := <-resultCh:
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("nested WaitFor never resumed")
	}
}

func TestSerialInvokerRunsStrictlyFIFO(t *testing.T) {
	inv := NewSerialInvoker(16)
	defer inv.Shutdown()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		inv.Invoke(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}
	<-done
	for i, v := range order {
		if v != i {
			t.Fatalf("FIFO violated: %v", order)
		}
	}
}

func TestSemaphoreLimitsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)

	f1 := sem.Acquire()
	f2 := sem.Acquire()
	f3 := sem.Acquire()

	if !f1.Done() || !f2.Done() {
		t.Fatal("first two acquires should complete immediately")
	}
	if f3.Done() {
		t.Fatal("third acquire should block: only 2 slots")
	}

	sem.Release()
	if !f3.Done() {
		t.Fatal("releasing a slot should wake the queued waiter")
	}
}

func TestPoolInvokerBoundsConcurrency(t *testing.T) {
	pi := NewPoolInvoker(2)
	var active, maxActive int32
	var mu chan struct{} = make(chan struct{}, 1)
	mu <- struct{}{}

	incr := func(delta int32) {
		<-mu
		active += delta
		if active > maxActive {
			maxActive = active
		}
		mu <- struct{}{}
	}

	for i := 0; i < 6; i++ {
		pi.Invoke(func() {
			incr(1)
			time.Sleep(20 * time.Millisecond)
			incr(-1)
		})
	}
	pi.Wait()

	if maxActive > 2 {
		t.Fatalf("max concurrent = %d, want <= 2", maxActive)
	}
}
