package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Invoker is a FIFO queue of unit-of-work closures bound to either a
// single goroutine (the "automaton" discipline required for replicated
// state machine mutations and the tablet store manager's state) or a
// bounded pool of goroutines (background scanners, compression,
// chunk I/O).
type Invoker interface {
	// Invoke enqueues fn for execution. A SerialInvoker blocks the caller
	// while its bounded queue is full.
	Invoke(fn func())
}

// SerialInvoker runs every enqueued closure on a single dedicated
// goroutine, strictly in FIFO order. This is the automaton discipline of
// spec §5: between suspension points, a function running on a
// SerialInvoker may mutate state without locking because no other
// closure on the same invoker can run concurrently.
type SerialInvoker struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// NewSerialInvoker starts the worker goroutine and returns the invoker.
// queueSize bounds the number of pending closures before Invoke blocks
// the caller; a value of 0 or less selects a 1024-slot queue.
func NewSerialInvoker(queueSize int) *SerialInvoker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	si := &SerialInvoker{
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	go si.run()
	return si
}

func (si *SerialInvoker) run() {
	for fn := range si.queue {
		fn()
	}
	close(si.done)
}

// Invoke enqueues fn. Panics if called after Shutdown.
func (si *SerialInvoker) Invoke(fn func()) {
	si.queue <- fn
}

// Shutdown closes the queue and waits for the worker goroutine to drain
// and exit. No further Invoke calls are permitted afterward.
func (si *SerialInvoker) Shutdown() {
	si.once.Do(func() { close(si.queue) })
	<-si.done
}

// PoolInvoker runs enqueued closures across up to n goroutines at once,
// used for compression, chunk I/O, and background scanners where
// closures do not need to observe each other's ordering.
type PoolInvoker struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPoolInvoker creates an invoker that runs at most n closures
// concurrently.
func NewPoolInvoker(n int) *PoolInvoker {
	if n <= 0 {
		n = 1
	}
	return &PoolInvoker{sem: semaphore.NewWeighted(int64(n))}
}

// Invoke schedules fn to run as soon as a slot is free. The goroutine
// that calls Invoke is not blocked beyond the point of spawning the
// scheduling goroutine.
func (pi *PoolInvoker) Invoke(fn func()) {
	pi.wg.Add(1)
	go func() {
		defer pi.wg.Done()
		_ = pi.sem.Acquire(context.Background(), 1)
		defer pi.sem.Release(1)
		fn()
	}()
}

// Wait blocks until all previously invoked closures have completed.
// Intended for graceful shutdown / tests, not steady-state operation.
func (pi *PoolInvoker) Wait() {
	pi.wg.Wait()
}

// Via wraps fn so that it executes on the given invoker instead of the
// caller's goroutine, returning a future for its result.
func Via[T any](inv Invoker, fn func() (T, error)) Future[T] {
	p, f := NewFuture[T]()
	inv.Invoke(func() {
		v, err := fn()
		if err != nil {
			p.TrySetError(err)
			return
		}
		p.TrySet(v)
	})
	return f
}
