// Package sigbridge implements the self-pipe signal bridge: a dedicated
// goroutine receives process signals via signal.Notify and forwards them
// as single bytes onto the non-blocking write end of a pipe, whose read end
// the reactor registers with its epoll set. Go's signal delivery is already
// runtime-mediated and async-signal-safe internally, so the goroutine plays
// the role the original's signal handler played; the one thing it still
// must not do is block, which is why the write end is non-blocking exactly
// as the original's handler demanded of itself.
package sigbridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Bridge owns the self-pipe and the forwarding goroutine.
type Bridge struct {
	readFd  int
	writeFd int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates the pipe pair (non-blocking on both ends) and starts a
// goroutine forwarding sig to the write end as a single byte per delivery.
// The caller registers ReadFD with its poller for readable events.
func New(sig ...os.Signal) (*Bridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}

	b := &Bridge{
		readFd:  fds[0],
		writeFd: fds[1],
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	ch := make(chan os.Signal, 8)
	signal.Notify(ch, sig...)

	go b.forward(ch)

	return b, nil
}

// ReadFD is the pipe's read end, registered with the reactor's poller.
func (b *Bridge) ReadFD() int { return b.readFd }

func (b *Bridge) forward(ch chan os.Signal) {
	defer close(b.done)
	for {
		select {
		case s := <-ch:
			n := signalByte(s)
			_, _ = unix.Write(b.writeFd, []byte{n})
		case <-b.stop:
			return
		}
	}
}

// Drain reads and returns all bytes currently buffered on the read end,
// non-blocking. Call after the poller reports the read end readable.
func Drain(readFd int) []byte {
	var out []byte
	var buf [64]byte
	for {
		n, err := unix.Read(readFd, buf[:])
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n <= 0 {
			break
		}
	}
	return out
}

// Close stops the forwarding goroutine and closes both pipe ends.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	_ = unix.Close(b.writeFd)
	return unix.Close(b.readFd)
}

func signalByte(s os.Signal) byte {
	switch s {
	case syscall.SIGALRM:
		return byte(syscall.SIGALRM)
	case syscall.SIGTERM:
		return byte(syscall.SIGTERM)
	default:
		if n, ok := s.(syscall.Signal); ok {
			return byte(n)
		}
		return 0
	}
}
