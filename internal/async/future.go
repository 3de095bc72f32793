// Package async provides the future/promise, invoker, and fiber scheduling
// substrate used throughout the chunk placement control plane and the
// tablet storage engine to express cancellable, cooperatively scheduled
// asynchronous work without callback inversion.
package async

import (
	"errors"
	"sync"
)

// ErrAbandoned is returned to future waiters when the last promise-side
// reference is released without a value ever being set.
var ErrAbandoned = errors.New("async: promise abandoned without a value")

// ErrCanceled is the error a future is set to when it is canceled and no
// cancel subscriber takes responsibility for producing an alternate
// outcome.
var ErrCanceled = errors.New("async: future canceled")

// ErrAlreadySet describes an attempt to set a promise whose state is
// already terminal. TrySet* report that condition by returning false, and
// Set* panics on it.
var ErrAlreadySet = errors.New("async: promise already set")

type stateKind int

const (
	stateUnset stateKind = iota
	stateValue
	stateError
	stateAbandoned
	stateCanceled
)

// state is the shared, reference-counted block backing one future/promise
// pair. It is never copied; Future[T] and Promise[T] each hold a pointer.
type state[T any] struct {
	mu sync.Mutex

	kind stateKind
	val  T
	err  error

	resultSubs []func(T, error)
	cancelSubs []func(error)
	canceled   bool
	cancelErr  error

	waitCh chan struct{} // lazily created, closed on any terminal transition

	promiseRefs int32
	futureRefs  int32
}

func newState[T any]() *state[T] {
	return &state[T]{promiseRefs: 1, futureRefs: 1}
}

func (s *state[T]) wait() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitCh == nil {
		s.waitCh = make(chan struct{})
		if s.kind != stateUnset {
			close(s.waitCh)
		}
	}
	return s.waitCh
}

// trySet transitions to a terminal state under s.mu and returns the result
// subscribers to invoke; it releases the lock before returning, so the
// caller invokes them unlocked.
func (s *state[T]) trySet(kind stateKind, val T, err error) ([]func(T, error), bool) {
	s.mu.Lock()
	if s.kind != stateUnset {
		s.mu.Unlock()
		return nil, false
	}
	s.kind = kind
	s.val = val
	s.err = err
	subs := s.resultSubs
	s.resultSubs = nil
	if s.waitCh != nil {
		close(s.waitCh)
	} else {
		// Create and close in one step so a concurrent Wait() sees it closed.
		ch := make(chan struct{})
		close(ch)
		s.waitCh = ch
	}
	s.mu.Unlock()
	return subs, true
}

// Promise is the write side of a future/promise pair. The zero value is
// not usable; construct with NewFuture.
type Promise[T any] struct {
	s *state[T]
}

// Future is the read side of a future/promise pair.
type Future[T any] struct {
	s *state[T]
}

// NewFuture creates a linked Promise/Future pair over a value of type T.
func NewFuture[T any]() (Promise[T], Future[T]) {
	s := newState[T]()
	return Promise[T]{s: s}, Future[T]{s: s}
}

// MakeFuture returns an already-set future, useful for wrapping values
// known synchronously (e.g. a cached lookup result).
func MakeFuture[T any](val T, err error) Future[T] {
	s := newState[T]()
	if err != nil {
		s.trySet(stateError, val, err)
	} else {
		s.trySet(stateValue, val, nil)
	}
	return Future[T]{s: s}
}

// Set sets the value. It is a fatal contract violation (panic) to call
// Set or SetError on an already-set state; use TrySet for idempotent code.
func (p Promise[T]) Set(val T) {
	if !p.TrySet(val) {
		panic("async: Set called on an already-set promise")
	}
}

// SetError sets the error outcome. Same panic contract as Set.
func (p Promise[T]) SetError(err error) {
	if !p.TrySetError(err) {
		panic("async: SetError called on an already-set promise")
	}
}

// TrySet attempts to set the value, returning false if already set.
func (p Promise[T]) TrySet(val T) bool {
	subs, ok := p.s.trySet(stateValue, val, nil)
	runResultSubs(subs, val, nil)
	return ok
}

// TrySetError attempts to set the error, returning false if already set.
func (p Promise[T]) TrySetError(err error) bool {
	var zero T
	subs, ok := p.s.trySet(stateError, zero, err)
	runResultSubs(subs, zero, err)
	return ok
}

func runResultSubs[T any](subs []func(T, error), val T, err error) {
	for _, f := range subs {
		f(val, err)
	}
}

// Future returns the read side linked to this promise. Useful when the
// Promise was retained separately from its originating NewFuture call.
func (p Promise[T]) Future() Future[T] {
	return Future[T]{s: p.s}
}

// Release drops the caller's promise-side reference. When the last
// promise-side reference is released without ever setting a value, the
// future transitions to abandoned and any subscribers are invoked from a
// dedicated goroutine rather than the releasing one, per the future/
// promise contract.
func (p Promise[T]) Release() {
	p.s.mu.Lock()
	p.s.promiseRefs--
	remaining := p.s.promiseRefs
	alreadySet := p.s.kind != stateUnset
	p.s.mu.Unlock()

	if remaining > 0 || alreadySet {
		return
	}
	var zero T
	subs, ok := p.s.trySet(stateAbandoned, zero, ErrAbandoned)
	if !ok || len(subs) == 0 {
		return
	}
	// Finalizer invoker: run handlers off the releasing goroutine.
	go runResultSubs(subs, zero, ErrAbandoned)
}

// AddRef increments the promise-side refcount, for fan-out producers that
// share responsibility for completing one promise.
func (p Promise[T]) AddRef() Promise[T] {
	p.s.mu.Lock()
	p.s.promiseRefs++
	p.s.mu.Unlock()
	return p
}

// Done reports whether the future has reached a terminal state.
func (f Future[T]) Done() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.kind != stateUnset
}

// TryGet returns the value/error if already set, with ok=false otherwise.
// It never blocks.
func (f Future[T]) TryGet() (val T, err error, ok bool) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.kind == stateUnset {
		return val, nil, false
	}
	return f.s.val, f.s.err, true
}

// Get blocks the calling goroutine (NOT a fiber suspension point — use
// WaitFor from fiber-scheduled code) until the future is set, returning
// its value and error.
func (f Future[T]) Get() (T, error) {
	<-f.s.wait()
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.val, f.s.err
}

// Subscribe registers a callback for the result. If the future is already
// set, the callback runs synchronously on the calling goroutine; otherwise
// it is recorded and invoked on the goroutine that calls Set/SetError.
// Subscribers must not panic; subscriber order is preserved.
func (f Future[T]) Subscribe(cb func(T, error)) {
	f.s.mu.Lock()
	if f.s.kind == stateUnset {
		f.s.resultSubs = append(f.s.resultSubs, cb)
		f.s.mu.Unlock()
		return
	}
	val, err := f.s.val, f.s.err
	f.s.mu.Unlock()
	cb(val, err)
}

// SubscribeCancel registers a callback invoked at most once, when Cancel
// is called on this future.
func (f Future[T]) SubscribeCancel(cb func(error)) {
	f.s.mu.Lock()
	if f.s.canceled {
		err := f.s.cancelErr
		f.s.mu.Unlock()
		cb(err)
		return
	}
	f.s.cancelSubs = append(f.s.cancelSubs, cb)
	f.s.mu.Unlock()
}

// Cancel marks the future as canceled and notifies cancel subscribers
// exactly once. Cancellation is advisory: if no cancel handler is
// registered, the promise side is set to ErrCanceled (unless already
// set, in which case cancellation has no further effect — a future whose
// value was already produced remains set).
func (f Future[T]) Cancel(err error) {
	if err == nil {
		err = ErrCanceled
	}
	f.s.mu.Lock()
	if f.s.canceled {
		f.s.mu.Unlock()
		return
	}
	f.s.canceled = true
	f.s.cancelErr = err
	subs := f.s.cancelSubs
	f.s.cancelSubs = nil
	hasHandlers := len(subs) > 0
	f.s.mu.Unlock()

	for _, cb := range subs {
		cb(err)
	}
	if !hasHandlers {
		var zero T
		subs, ok := f.s.trySet(stateCanceled, zero, err)
		runResultSubs(subs, zero, err)
	}
}

// Apply returns a new future that runs fn on the value once set. If the
// source future errors or was canceled, the outcome propagates without
// invoking fn.
func Apply[T, R any](f Future[T], fn func(T) (R, error)) Future[R] {
	p, rf := NewFuture[R]()
	f.Subscribe(func(v T, err error) {
		if err != nil {
			p.TrySetError(err)
			return
		}
		r, err2 := fn(v)
		if err2 != nil {
			p.TrySetError(err2)
			return
		}
		p.TrySet(r)
	})
	return rf
}

// Join waits for all of the given futures and returns their values in
// order, or the first error encountered.
func Join[T any](futures ...Future[T]) Future[[]T] {
	p, rf := NewFuture[[]T]()
	if len(futures) == 0 {
		p.Set(nil)
		return rf
	}
	results := make([]T, len(futures))
	var mu sync.Mutex
	remaining := len(futures)
	failed := false
	for i, f := range futures {
		i := i
		f.Subscribe(func(v T, err error) {
			mu.Lock()
			defer mu.Unlock()
			if failed {
				return
			}
			if err != nil {
				failed = true
				p.TrySetError(err)
				return
			}
			results[i] = v
			remaining--
			if remaining == 0 {
				p.TrySet(results)
			}
		})
	}
	return rf
}
