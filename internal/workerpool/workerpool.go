// Package workerpool implements the fixed-size worker set consuming the
// bounded request FIFO, the Go port of threadpool<T>. Workers loop: wait on
// the queue semaphore, pop the front item under the queue mutex, lease a DB
// handle scoped to the item, invoke Process, drop the lease. There is no
// worker affinity — any worker may pick up any item — and ordering is
// strict FIFO across the whole pool.
package workerpool

import (
	"context"
	"sync"

	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
	"github.com/fuxinsen/tinywebserver-go/internal/syncutil"
	"github.com/fuxinsen/tinywebserver-go/internal/xerr"
)

const (
	// ErrStopped names the stopped state of a pool. Append does not return
	// it: after Stop, Append reports rejection by returning false.
	ErrStopped xerr.Error = "workerpool: pool is stopped"

	// DefaultThreadNumber matches threadpool<T>'s default thread_number.
	DefaultThreadNumber = 8
	// DefaultMaxQueue matches threadpool<T>'s default max_requests.
	DefaultMaxQueue = 10000
)

// Item is a reference to a connection slot enqueued for processing. Item is
// an interface so workerpool never needs to import the HTTP collaborator
// package; Process is called with the handle leased for this item.
type Item interface {
	// Process runs the collaborator's request handling using the leased DB
	// handle, then returns. Re-entrancy for the same underlying slot is the
	// reactor's responsibility (it does not re-arm readiness until this
	// returns), not the worker pool's.
	Process(handle dbpool.Handle)
}

// Pool is the fixed-size worker set.
type Pool struct {
	pool        *dbpool.Pool
	maxQueue    int
	queueMu     syncutil.Mutex
	queue       []Item
	queueSem    *syncutil.Semaphore
	stopped     bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	stopCtx     context.Context
	workersDone sync.WaitGroup
}

// New spawns threadNumber workers bound to pool, consuming a FIFO capped at
// maxQueue. Construction fails if either count is non-positive.
func New(pool *dbpool.Pool, threadNumber, maxQueue int) (*Pool, error) {
	if threadNumber <= 0 || maxQueue <= 0 {
		return nil, xerr.Error("workerpool: thread_number and max_requests must be positive")
	}
	stopCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pool:     pool,
		maxQueue: maxQueue,
		queueSem: syncutil.NewSemaphoreCap(0, maxQueue+1),
		stopCh:   make(chan struct{}),
		stopCtx:  stopCtx,
	}
	go func() {
		<-p.stopCh
		cancel()
	}()
	for i := 0; i < threadNumber; i++ {
		p.workersDone.Add(1)
		go p.run()
	}
	return p, nil
}

// Append enqueues item for processing. It returns false without enqueuing
// if the queue depth is already strictly greater than maxQueue — the
// `> Q` off-by-one is preserved verbatim from threadpool<T>::append, so the
// queue may transiently hold Q+1 entries.
func (p *Pool) Append(item Item) bool {
	unlock := p.queueMu.Lock()
	if p.stopped {
		unlock()
		return false
	}
	if len(p.queue) > p.maxQueue {
		unlock()
		return false
	}
	p.queue = append(p.queue, item)
	unlock()
	p.queueSem.Release()
	return true
}

// Len reports the current queue depth, for invariant tests (semaphore value
// must equal queue length whenever observed outside the mutex region).
func (p *Pool) Len() int {
	unlock := p.queueMu.Lock()
	defer unlock()
	return len(p.queue)
}

// SemaphoreValue exposes the dispatch semaphore's token count.
func (p *Pool) SemaphoreValue() int {
	return p.queueSem.Len()
}

func (p *Pool) run() {
	defer p.workersDone.Done()
	for {
		if err := p.queueSem.Acquire(p.stopCtx); err != nil {
			return
		}

		item, ok := p.popFront()
		if !ok {
			// Spurious wake: queue was empty despite the semaphore post
			// (can happen transiently around Stop). Loop back and wait.
			continue
		}

		lease, err := p.pool.Lease(context.Background())
		if err != nil {
			continue
		}
		item.Process(lease.Handle())
		lease.Close()
	}
}

func (p *Pool) popFront() (Item, bool) {
	unlock := p.queueMu.Lock()
	defer unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	return item, true
}

// Stop signals all workers to exit and joins them. Unlike the original's
// detached threads (freed without being joined), Stop blocks until every
// worker has returned, closing the shutdown race.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		unlock := p.queueMu.Lock()
		p.stopped = true
		unlock()
		close(p.stopCh)
	})
	p.workersDone.Wait()
}
