// Package reactor is the epoll event loop tying every other component
// together: accept, readiness dispatch, timer ticks, and signal handling,
// the Go port of main.cpp's big while(!stop_server) loop. It is built
// directly on golang.org/x/sys/unix epoll, using direct array indexing by
// fd instead of a map and a fixed event buffer reused across EpollWait
// calls.
package reactor

import (
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fuxinsen/tinywebserver-go/internal/config"
	"github.com/fuxinsen/tinywebserver-go/internal/connslot"
	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
	"github.com/fuxinsen/tinywebserver-go/internal/logx"
	"github.com/fuxinsen/tinywebserver-go/internal/sigbridge"
	"github.com/fuxinsen/tinywebserver-go/internal/timerwheel"
	"github.com/fuxinsen/tinywebserver-go/internal/workerpool"
	"github.com/fuxinsen/tinywebserver-go/internal/xerr"
)

// AcceptMode documents that the listening socket is always drained in a
// loop (a strict superset of correct level-triggered behavior), even
// though only edge-triggered client sockets require it. The original's
// main.cpp carried both a listenfdLT and listenfdET code path behind a
// compile-time #ifdef; there is only one code path here.
const AcceptMode = "accept-loop-until-eagain"

// ErrAlreadyRunning guards against calling Run twice on one Reactor.
const ErrAlreadyRunning xerr.Error = "reactor: already running"

// noOpLogger discards everything; used when no logger is wired.
type noOpLogger struct{}

func (noOpLogger) Info(string, ...any)         {}
func (noOpLogger) Error(string, error, ...any) {}
func (noOpLogger) Flush()                      {}

// Reactor owns the epoll instance, the listening socket, the connection
// slot table, the timer list, and the signal bridge. Only the goroutine
// running Run ever touches the timer list or adds and removes epoll
// registrations; a worker goroutine only re-arms (EPOLL_CTL_MOD) the slot
// it has just processed.
type Reactor struct {
	cfg    config.Config
	log    logx.Logger
	epfd   int
	lfd    int
	events []unix.EpollEvent

	table   *connslot.Table
	timers  *timerwheel.List
	workers *workerpool.Pool
	sig     *sigbridge.Bridge

	// evictRequests carries fds that a worker goroutine could not write to
	// or rearm (the rearm itself is a plain syscall, safe from any goroutine, but
	// evict mutates the timer list, which only the reactor goroutine may
	// touch) — drained on the reactor's own goroutine after each wakeup.
	evictRequests chan int

	stopServer atomic.Bool
	timeout    atomic.Bool
	running    atomic.Bool
}

// New constructs a Reactor bound to bind (e.g. "0.0.0.0:9006"), wiring the
// already-constructed slot table and worker pool. The listening socket is
// created, SO_REUSEADDR is set, and it is registered level-triggered,
// without one-shot.
func New(cfg config.Config, table *connslot.Table, workers *workerpool.Pool, log logx.Logger, bind string) (*Reactor, error) {
	if log == nil {
		log = noOpLogger{}
	}

	lfd, err := listen(bind)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}

	sig, err := sigbridge.New(syscall.SIGALRM, syscall.SIGTERM)
	if err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(lfd)
		return nil, err
	}

	r := &Reactor{
		cfg:           cfg,
		log:           log,
		epfd:          epfd,
		lfd:           lfd,
		events:        make([]unix.EpollEvent, cfg.MaxEvents),
		table:         table,
		timers:        timerwheel.New(),
		workers:       workers,
		sig:           sig,
		evictRequests: make(chan int, cfg.ThreadNumber),
	}

	if err := r.registerLT(lfd); err != nil {
		r.closeAll()
		return nil, err
	}
	if err := r.registerLT(sig.ReadFD()); err != nil {
		r.closeAll()
		return nil, err
	}

	return r, nil
}

func listen(bind string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp4", bind)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, &sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (r *Reactor) registerLT(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (r *Reactor) registerClient(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
}

// rearm re-registers fd after a worker's Process/Write call completes, the
// Go equivalent of the original's implicit "don't re-enqueue until done"
// discipline — EPOLLONESHOT requires an explicit EPOLL_CTL_MOD before the
// next event can fire. wantWrite adds EPOLLOUT, for a connection whose
// response didn't fully drain and needs another writability event.
func (r *Reactor) rearm(fd int, wantWrite bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Stop requests cooperative shutdown; the loop exits on its next wakeup.
func (r *Reactor) Stop() { r.stopServer.Store(true) }

// Run drives the event loop until Stop is called (or SIGTERM is
// delivered) and then tears down the listening socket, the signal pipe,
// and the worker pool. It must only be called once.
func (r *Reactor) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	if _, err := unix.Alarm(uint(r.cfg.Timeslot / time.Second)); err != nil {
		return err
	}

	for !r.stopServer.Load() {
		n, err := unix.EpollWait(r.epfd, r.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error("epoll failure", err)
			break
		}

		for i := 0; i < n; i++ {
			r.dispatch(r.events[i])
		}

		if r.timeout.CompareAndSwap(true, false) {
			r.timers.Tick(time.Now())
			_, _ = unix.Alarm(uint(r.cfg.Timeslot / time.Second))
		}

		r.drainEvictRequests()
	}

	r.shutdown()
	return nil
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	switch {
	case fd == r.lfd:
		r.acceptLoop()
		return
	case fd == r.sig.ReadFD():
		r.handleSignals()
		return
	case ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
		r.evict(fd)
		return
	}

	// Readable and writable may both be set on the same event (a
	// connection can become simultaneously readable and writable); handle
	// both rather than an exclusive switch over the same bitmask.
	if ev.Events&unix.EPOLLOUT != 0 {
		r.handleWritable(fd)
	}
	if ev.Events&unix.EPOLLIN != 0 {
		r.handleReadable(fd)
	}
}

// acceptLoop drains the listening socket until EAGAIN, required under
// edge-triggered readiness; the listener itself is level-triggered, but
// draining in a loop is a strict superset of correct LT behavior (see
// AcceptMode).
func (r *Reactor) acceptLoop() {
	for {
		connfd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.Error("accept error", err)
			return
		}

		peer := sockaddrToNetAddr(sa)

		if r.table.Active() >= int64(r.table.Cap()) {
			showError(connfd, "Internal server busy")
			_ = unix.Close(connfd)
			r.log.Error("server busy", nil)
			continue
		}

		d, err := r.table.Open(connfd, peer)
		if err != nil {
			_ = unix.Close(connfd)
			continue
		}
		if err := r.registerClient(connfd); err != nil {
			r.table.Close(connfd)
			continue
		}

		node := &timerwheel.Node{
			Expire:  time.Now().Add(r.cfg.ConnTimeout()),
			SlotRef: connfd,
			Evict:   func(slot any) { r.evict(slot.(int)) },
		}
		d.Timer = node
		r.timers.Add(node)

		r.log.Info("accepted connection", "fd", connfd)
	}
}

func showError(fd int, msg string) {
	_, _ = unix.Write(fd, []byte(msg))
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

func (r *Reactor) handleReadable(fd int) {
	d, ok := r.table.Get(fd)
	if !ok {
		return
	}
	if !d.Conn.ReadOnce() {
		r.evict(fd)
		return
	}
	if r.workers.Append(workItem{fd: fd, conn: d.Conn, reactor: r}) {
		r.bumpTimer(d)
	}
}

func (r *Reactor) handleWritable(fd int) {
	d, ok := r.table.Get(fd)
	if !ok {
		return
	}
	if !d.Conn.Write() {
		r.evict(fd)
		return
	}
	r.bumpTimer(d)
	if err := r.rearm(fd, d.Conn.PendingWrite()); err != nil {
		r.evict(fd)
	}
}

func (r *Reactor) bumpTimer(d *connslot.Data) {
	if d.Timer == nil {
		return
	}
	d.Timer.Expire = time.Now().Add(r.cfg.ConnTimeout())
	r.timers.Adjust(d.Timer)
}

// evict is the eviction callback: deregister, close, decrement, log.
// Called by the timer list on expiry and directly by the reactor on
// error events; evict itself removes the slot's timer node, so the node is
// unlinked either way.
func (r *Reactor) evict(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	d, ok := r.table.Get(fd)
	if ok && d.Timer != nil {
		r.timers.Remove(d.Timer)
	}
	r.table.Close(fd)
	r.log.Info("close fd", "fd", fd)
	r.log.Flush()
}

// drainEvictRequests runs on the reactor goroutine only, applying eviction
// requests a worker goroutine could not perform itself (write or rearm
// failures):
// evict mutates the timer list, which only this goroutine may touch.
func (r *Reactor) drainEvictRequests() {
	for {
		select {
		case fd := <-r.evictRequests:
			r.evict(fd)
		default:
			return
		}
	}
}

// requestEvict is safe to call from any goroutine. The channel is shared by
// all fds; when it is full the request is dropped, and the connection's own
// timer node (or a later error event) still drives it to evict eventually.
func (r *Reactor) requestEvict(fd int) {
	select {
	case r.evictRequests <- fd:
	default:
	}
}

func (r *Reactor) handleSignals() {
	for _, b := range sigbridge.Drain(r.sig.ReadFD()) {
		switch syscall.Signal(b) {
		case syscall.SIGALRM:
			r.timeout.Store(true)
		case syscall.SIGTERM:
			r.stopServer.Store(true)
		}
	}
}

func (r *Reactor) shutdown() {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, r.lfd, nil)
	_ = unix.Close(r.lfd)
	_ = r.sig.Close()
	r.workers.Stop()
	_ = unix.Close(r.epfd)
}

func (r *Reactor) closeAll() {
	_ = unix.Close(r.epfd)
	_ = unix.Close(r.lfd)
	_ = r.sig.Close()
}

// workItem adapts a dequeued slot into a workerpool.Item: Process runs the
// connection's request handling, then re-arms EPOLLONESHOT so the reactor
// can deliver the next readiness event — this, not a re-enqueue guard, is
// what prevents re-entrancy on the same slot while it's in flight.
type workItem struct {
	fd      int
	conn    connslot.Connection
	reactor *Reactor
}

func (w workItem) Process(handle dbpool.Handle) {
	w.conn.Process(handle)
	// The response is usually small enough to send in one shot, so Write
	// runs here rather than waiting for a separate writability event; if
	// the socket isn't ready yet, Write leaves bytes buffered and the
	// rearm below asks for EPOLLOUT too.
	if !w.conn.Write() {
		w.reactor.requestEvict(w.fd)
		return
	}
	// rearm is a plain EPOLL_CTL_MOD syscall, safe from this worker
	// goroutine; on failure the slot must be torn down, but evict touches
	// the timer list, so that part is handed back to the reactor goroutine.
	if err := w.reactor.rearm(w.fd, w.conn.PendingWrite()); err != nil {
		w.reactor.requestEvict(w.fd)
	}
}
