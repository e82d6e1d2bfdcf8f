// Package connslot implements the dense connection slot table, the Go port
// of the http_conn[] / client_data[] pair from the original reactor: a
// fixed-capacity array indexed directly by file descriptor, holding the
// per-connection bookkeeping the reactor and the timer list both touch.
//
// The HTTP sub-state lives behind the Connection interface rather than
// being merged into Data, unlike the original's single client_data struct —
// Go interfaces make that split free instead of the historical two-array
// layout it grew out of.
package connslot

import (
	"net"
	"sync/atomic"

	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
	"github.com/fuxinsen/tinywebserver-go/internal/timerwheel"
	"github.com/fuxinsen/tinywebserver-go/internal/xerr"
)

// ErrOutOfRange is returned when a descriptor falls outside [0, capacity).
const ErrOutOfRange xerr.Error = "connslot: fd out of range"

// Connection is the out-of-core, per-slot collaborator (the HTTP layer).
// Init runs once at accept; ReadOnce/Write move bytes; Process runs on a
// worker goroutine with a leased DB handle installed by the caller.
type Connection interface {
	Init(fd int, peer net.Addr)
	ReadOnce() (ok bool)
	Write() (ok bool)
	// PendingWrite reports whether bytes remain buffered after the most
	// recent Write call, so the caller knows whether to wait for another
	// writability event or go back to waiting for readability.
	PendingWrite() bool
	Process(handle dbpool.Handle)
	Close()
}

// Data is the per-slot bookkeeping the reactor and timer list read and
// write directly: peer address, the descriptor (kept redundantly, matching
// the original layout), and a non-owning handle to the slot's timer node.
// Conn is never touched by the timer list — only by the reactor and by the
// worker that owns the in-flight Process call.
type Data struct {
	Fd    int
	Peer  net.Addr
	Timer *timerwheel.Node
	Conn  Connection

	active bool
}

// Table is the fixed-capacity dense slot array, indexed by fd. Safe for
// concurrent use by the reactor goroutine and worker goroutines, provided
// callers respect the ownership discipline: the reactor alone mutates
// Timer/registration state, workers touch only Conn on slots they hold a
// dequeued reference to, per the ownership split described at the package
// level.
type Table struct {
	slots  []Data
	active atomic.Int64
}

// NewTable allocates a table with room for [0, capacity) descriptors. A
// Connection is constructed once per slot, up front, via newConn — exactly
// the original's "http_conn *users = new http_conn[MAX_FD]" array reused
// across accepts, rather than allocated fresh per connection.
func NewTable(capacity int, newConn func() Connection) *Table {
	t := &Table{slots: make([]Data, capacity)}
	for i := range t.slots {
		t.slots[i].Fd = i
		if newConn != nil {
			t.slots[i].Conn = newConn()
		}
	}
	return t
}

// Cap reports the table's fixed capacity.
func (t *Table) Cap() int { return len(t.slots) }

// Active reports the current number of active slots.
func (t *Table) Active() int64 { return t.active.Load() }

// Open activates the slot at fd, re-initializing its preallocated
// Connection with peer, and returns a pointer to its Data for the reactor
// to attach a timer node to. Returns ErrOutOfRange if fd is outside the
// table's capacity.
func (t *Table) Open(fd int, peer net.Addr) (*Data, error) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, ErrOutOfRange
	}
	d := &t.slots[fd]
	conn := d.Conn
	*d = Data{Fd: fd, Peer: peer, Conn: conn, active: true}
	if conn != nil {
		conn.Init(fd, peer)
	}
	t.active.Add(1)
	return d, nil
}

// Get returns the slot at fd if active.
func (t *Table) Get(fd int) (*Data, bool) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, false
	}
	d := &t.slots[fd]
	if !d.active {
		return nil, false
	}
	return d, true
}

// Close deactivates the slot at fd and closes its Connection. The
// Connection value itself is retained in the slot for reuse by the next
// accept on this fd; it does not cancel the slot's timer node — that is
// the reactor's responsibility during eviction, so the order of
// deregister / close / decrement stays explicit at the call site instead
// of hidden here.
func (t *Table) Close(fd int) {
	if fd < 0 || fd >= len(t.slots) {
		return
	}
	d := &t.slots[fd]
	if !d.active {
		return
	}
	conn := d.Conn
	if conn != nil {
		conn.Close()
	}
	*d = Data{Fd: fd, Conn: conn}
	t.active.Add(-1)
}
