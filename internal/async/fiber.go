package async

import (
	"sync"
	"sync/atomic"
)

// Fiber is a lightweight, cooperatively scheduled unit of work. Go already
// gives every goroutine its own stack, so a Fiber here is a thin wrapper
// around a goroutine that records a canceler closure and exposes
// WaitFor as its sole suspension point, matching the discipline of
// spec §4.1/§5: a fiber is only ever descheduled at an explicit
// suspension point, never preemptively.
type Fiber struct {
	canceled atomic.Bool
	cancelFn atomic.Pointer[func()]
}

// NewFiber creates a fiber. Use Go to start it running a body function on
// a chosen invoker.
func NewFiber() *Fiber {
	return &Fiber{}
}

// SetCanceler installs the closure invoked when Cancel is called on this
// fiber. Spawn wires its result future's cancellation to Cancel, and
// WaitFor replaces the canceler with one that cancels the awaited future.
func (fb *Fiber) SetCanceler(fn func()) {
	f := fn
	fb.cancelFn.Store(&f)
}

// Cancel invokes the fiber's canceler, if any, at most conceptually once
// per fiber (idempotent: repeated calls are harmless no-ops once
// canceled is observed true by the fiber body).
func (fb *Fiber) Cancel() {
	if fb.canceled.CompareAndSwap(false, true) {
		if p := fb.cancelFn.Load(); p != nil {
			(*p)()
		}
	}
}

// Canceled reports whether Cancel has been called on this fiber. Fiber
// bodies should check this at their own WaitFor suspension points.
func (fb *Fiber) Canceled() bool {
	return fb.canceled.Load()
}

// Go starts fn as a fiber body in a fresh goroutine. The body begins only
// after inv has run every closure queued on it before this call (via
// Yield), and it does not occupy inv while it runs, so a WaitFor inside
// the body may resume on inv itself.
func Go(inv Invoker, fn func(fb *Fiber)) *Fiber {
	fb := NewFiber()
	go func() {
		Yield(inv)
		fn(fb)
	}()
	return fb
}

// Spawn runs fn (which may itself call WaitFor) and returns a future for
// its result. Cancellation of the returned future cancels the fiber.
func Spawn[T any](inv Invoker, fn func(fb *Fiber) (T, error)) Future[T] {
	p, f := NewFuture[T]()
	fb := NewFiber()
	fb.SetCanceler(func() { p.TrySetError(ErrCanceled) })
	f.SubscribeCancel(func(error) { fb.Cancel() })
	go func() {
		Yield(inv)
		v, err := fn(fb)
		if err != nil {
			p.TrySetError(err)
			return
		}
		p.TrySet(v)
	}()
	return f
}

// WaitFor suspends the calling fiber until src completes, then resumes
// execution on resumeInv. This is the core suspension point of spec
// §4.1: nested WaitFor is permitted (each call blocks only the calling
// goroutine, which Go's runtime parks cheaply), and cancellation of the
// current fiber propagates to the awaited future and makes WaitFor return
// ErrCanceled.
func WaitFor[T any](fb *Fiber, src Future[T], resumeInv Invoker) (T, error) {
	if fb != nil && fb.Canceled() {
		var zero T
		return zero, ErrCanceled
	}

	type result struct {
		val T
		err error
	}
	resumeCh := make(chan result, 1)

	deliver := func(r result) {
		select {
		case resumeCh <- r:
		default:
		}
	}

	if fb != nil {
		fb.SetCanceler(func() {
			src.Cancel(ErrCanceled)
			deliver(result{err: ErrCanceled})
		})
	}

	src.Subscribe(func(v T, err error) {
		deliver(result{val: v, err: err})
	})

	r := <-resumeCh

	if resumeInv == nil {
		return r.val, r.err
	}

	// Resume on the target invoker and block the calling goroutine until
	// that closure has actually run, so that control only returns to the
	// fiber body once it is executing in the correct invoker context.
	done := make(chan struct{})
	var out result
	resumeInv.Invoke(func() {
		out = r
		close(done)
	})
	<-done
	return out.val, out.err
}

// Yield cooperatively reschedules the calling fiber to the back of inv's
// queue, giving other enqueued work a chance to run before this fiber
// continues.
func Yield(inv Invoker) {
	done := make(chan struct{})
	inv.Invoke(func() { close(done) })
	<-done
}

// SwitchTo suspends the calling fiber and resumes it on a different
// invoker, without waiting on any future.
func SwitchTo(inv Invoker) {
	Yield(inv)
}

// Semaphore is a cooperative counting semaphore for capping concurrent
// fiber-scheduled work (preloads, flushes, replication fan-out) per
// spec §5. Acquire returns a future that completes once a slot is free.
type Semaphore struct {
	mu      sync.Mutex
	free    int
	waiters []Promise[struct{}]
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(slots int) *Semaphore {
	return &Semaphore{free: slots}
}

// Acquire returns a future that completes once a slot is available.
func (s *Semaphore) Acquire() Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free > 0 {
		s.free--
		return MakeFuture(struct{}{}, nil)
	}
	p, f := NewFuture[struct{}]()
	s.waiters = append(s.waiters, p)
	return f
}

// Release returns a slot to the semaphore, waking the oldest waiter if
// any is queued.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		p := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		p.Set(struct{}{})
		return
	}
	s.free++
	s.mu.Unlock()
}
