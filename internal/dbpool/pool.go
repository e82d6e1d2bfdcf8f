// Package dbpool implements a fixed-size pool of SQL handles with blocking
// lease/return and scoped leases, the Go port of connection_pool /
// connectionRAII. Lease acquisition blocks on a counting semaphore (the
// value of which always equals the idle count); the pool mutex is held only
// long enough to pop or push the idle list and adjust the leased/idle
// counters — the semaphore carries the blocking, the mutex never does.
package dbpool

import (
	"context"
	"sync"

	"github.com/fuxinsen/tinywebserver-go/internal/syncutil"
	"github.com/fuxinsen/tinywebserver-go/internal/xerr"
)

const (
	// ErrClosed is returned by Lease once the pool has been torn down.
	ErrClosed xerr.Error = "dbpool: pool is closed"
	// ErrLeasesOutstanding is returned by Close if handles are still leased.
	ErrLeasesOutstanding xerr.Error = "dbpool: leases still outstanding"
)

// Pool is a fixed-size set of N Handles. It is safe for concurrent use.
type Pool struct {
	mu     syncutil.Mutex
	idle   []Handle
	leased int
	n      int
	sem    *syncutil.Semaphore
	closed bool
}

// New opens exactly n handles eagerly via factory, failing as a whole (and
// closing any handles already opened) if any handle cannot be constructed —
// matching connection_pool::init's all-or-nothing contract.
func New(ctx context.Context, cfg Config, factory HandleFactory, n int) (*Pool, error) {
	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := factory(ctx, cfg)
		if err != nil {
			for _, opened := range handles {
				_ = opened.Close()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return &Pool{
		idle: handles,
		n:    n,
		sem:  syncutil.NewSemaphore(n),
	}, nil
}

// Lease blocks until a handle is available (or ctx is done), then returns a
// scoped Lease. The caller must call Lease.Close to return the handle; a
// request-processing scope acquires exactly one lease for the duration of
// its Process() call.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx); err != nil {
		return nil, err
	}

	unlock := p.mu.Lock()
	if p.closed {
		unlock()
		p.sem.Release()
		return nil, ErrClosed
	}
	h := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.leased++
	unlock()

	return &Lease{pool: p, handle: h}, nil
}

// release returns h to the idle list and posts the semaphore. Called
// exactly once per lease, by Lease.Close.
func (p *Pool) release(h Handle) {
	unlock := p.mu.Lock()
	p.idle = append(p.idle, h)
	p.leased--
	unlock()
	p.sem.Release()
}

// Close closes all idle handles. It is an error to call Close while leases
// are outstanding: failing loudly beats blocking or closing handles out
// from under an in-flight caller.
func (p *Pool) Close() error {
	unlock := p.mu.Lock()
	defer unlock()
	if p.leased > 0 {
		return ErrLeasesOutstanding
	}
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	for _, h := range p.idle {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}

// Idle reports the number of idle handles. Leased reports the number
// currently leased. Both exist for invariant tests (leased+idle == N,
// semaphore == idle).
func (p *Pool) Idle() int {
	unlock := p.mu.Lock()
	defer unlock()
	return len(p.idle)
}

// Leased reports the number of currently leased handles.
func (p *Pool) Leased() int {
	unlock := p.mu.Lock()
	defer unlock()
	return p.leased
}

// SemaphoreValue exposes the semaphore's token count for invariant tests:
// it must equal Idle() whenever no lease/release call is in flight.
func (p *Pool) SemaphoreValue() int {
	return p.sem.Len()
}

// Lease is a scoped acquisition of a Handle from a Pool. Its Close method
// unconditionally returns the handle; calling Close more than once is a
// no-op after the first call.
type Lease struct {
	pool   *Pool
	handle Handle
	once   sync.Once
}

// Handle returns the leased Handle, installed into the owning connection
// slot's state for the duration of Process() so downstream code addresses
// it by reference.
func (l *Lease) Handle() Handle {
	return l.handle
}

// Close returns the handle to the pool. Safe to call multiple times.
func (l *Lease) Close() {
	l.once.Do(func() {
		l.pool.release(l.handle)
	})
}
