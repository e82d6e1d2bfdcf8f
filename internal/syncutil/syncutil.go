// Package syncutil provides the synchronization primitives the reactor
// builds on: a scoped mutex, a counting semaphore, and a deadline-aware
// condition variable. All three exist mainly to give every caller a single
// acquire/release discipline that can't be forgotten on an early return.
package syncutil

import (
	"context"
	"sync"
)

// Mutex wraps sync.Mutex with a scoped-acquisition helper: Lock returns the
// unlock function, so callers write `defer m.Lock()()` and release happens
// on every exit path of the calling scope, including panics.
type Mutex struct {
	mu sync.Mutex
}

// Lock acquires the mutex and returns a function that releases it.
func (m *Mutex) Lock() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

// Semaphore is a counting semaphore (P/V) backed by a buffered channel.
// Acquire blocks while the count is zero; Release posts a token. The
// channel's buffered length doubles as the live count, so Len reports
// it without a separate counter to keep in sync.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return NewSemaphoreCap(initial, initial+semaphoreHeadroom(initial))
}

// NewSemaphoreCap constructs a semaphore with the given initial count and an
// explicit channel capacity, for callers whose Release calls can outpace
// initial by more than semaphoreHeadroom allows — e.g. a work queue whose
// depth (and so token count) can reach maxQueue regardless of how many
// tokens the semaphore started with.
func NewSemaphoreCap(initial, capacity int) *Semaphore {
	if capacity < initial {
		capacity = initial
	}
	s := &Semaphore{tokens: make(chan struct{}, capacity)}
	for range initial {
		s.tokens <- struct{}{}
	}
	return s
}

// semaphoreHeadroom allows Release to post more tokens than the initial
// count in pool-growth scenarios; the reactor's fixed-size pools never need
// this, but it keeps Release from blocking if a caller ever double-posts.
func semaphoreHeadroom(initial int) int {
	if initial == 0 {
		return 1
	}
	return initial
}

// Acquire blocks until a token is available or the context is canceled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireBlocking blocks uninterruptibly, matching sem_wait's semantics for
// call sites that have no cancellation concept (worker main loops).
func (s *Semaphore) AcquireBlocking() {
	<-s.tokens
}

// Release posts a token, waking one blocked Acquire if any is waiting.
func (s *Semaphore) Release() {
	s.tokens <- struct{}{}
}

// Len reports the number of currently available tokens. Only meaningful as
// an invariant check when the caller also holds whatever mutex guards the
// state the semaphore mirrors (see dbpool and workerpool).
func (s *Semaphore) Len() int {
	return len(s.tokens)
}

// Cond wraps sync.Cond with a context-bounded wait, the Go analogue of
// pthread_cond_timedwait without requiring callers to juggle a raw
// *sync.Mutex themselves.
type Cond struct {
	L  sync.Locker
	c  *sync.Cond
	mu sync.Mutex
}

// NewCond constructs a Cond guarded by l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, c: sync.NewCond(l)}
}

// Wait blocks until Signal or Broadcast is called. L must be held.
func (c *Cond) Wait() {
	c.c.Wait()
}

// WaitContext blocks until Signal/Broadcast or ctx is done. L must be held
// on entry; it is held again on return regardless of outcome, mirroring
// pthread_cond_timedwait's contract.
func (c *Cond) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		// Taking L orders the Broadcast after the waiter has entered Wait,
		// so a context that is already done cannot be missed.
		c.L.Lock()
		c.c.Broadcast()
		c.L.Unlock()
	})
	defer stop()

	c.c.Wait()

	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}

// Signal wakes one waiter.
func (c *Cond) Signal() { c.c.Signal() }

// Broadcast wakes all waiters.
func (c *Cond) Broadcast() { c.c.Broadcast() }
