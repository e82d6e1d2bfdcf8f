// Package logx is the async-capable logging collaborator, wrapping
// github.com/rs/zerolog as a structured-logging backend. In synchronous
// mode records are written straight through; in asynchronous mode they are
// buffered on a bounded channel and drained by one goroutine, rotating the
// output file after a configured number of lines — the Go analogue of the
// original logger's init(path, flush_lines, max_lines_per_file,
// async_queue_depth).
package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the collaborator interface the rest of the server depends on.
type Logger interface {
	Info(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
	Flush()
}

type record struct {
	level  zerolog.Level
	msg    string
	err    error
	kv     []any
	signal chan struct{} // non-nil on Flush's barrier record
}

// Config controls construction. AsyncQueueDepth of 0 selects synchronous
// mode; any positive value selects asynchronous mode with that channel
// capacity.
type Config struct {
	Path            string
	MaxLinesPerFile int
	AsyncQueueDepth int
}

// zlog is the Logger implementation. Synchronous mode writes directly
// through z; asynchronous mode pushes onto queue, drained by run().
type zlog struct {
	cfg Config

	mu      sync.Mutex
	file    *os.File
	z       zerolog.Logger
	lines   int
	fileSeq int

	queue chan record
	done  chan struct{}
}

// New opens (or creates) the log file at cfg.Path and returns a Logger. In
// asynchronous mode a draining goroutine is started immediately; Flush
// blocks until the queue has drained.
func New(cfg Config) (Logger, error) {
	l := &zlog{cfg: cfg}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	if cfg.AsyncQueueDepth > 0 {
		l.queue = make(chan record, cfg.AsyncQueueDepth)
		l.done = make(chan struct{})
		go l.run()
	}

	return l, nil
}

func (l *zlog) openFile() error {
	if l.cfg.Path == "" {
		l.z = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.Path), 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	f, err := os.OpenFile(l.rotatedPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.z = zerolog.New(f).With().Timestamp().Logger()
	l.lines = 0
	return nil
}

func (l *zlog) rotatedPath() string {
	if l.fileSeq == 0 {
		return l.cfg.Path
	}
	ext := filepath.Ext(l.cfg.Path)
	base := l.cfg.Path[:len(l.cfg.Path)-len(ext)]
	return fmt.Sprintf("%s.%d%s", base, l.fileSeq, ext)
}

func (l *zlog) rotateIfNeeded() {
	if l.cfg.MaxLinesPerFile <= 0 || l.lines < l.cfg.MaxLinesPerFile {
		return
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.fileSeq++
	_ = l.openFile()
}

func (l *zlog) Info(msg string, kv ...any) {
	l.emit(record{level: zerolog.InfoLevel, msg: msg, kv: kv})
}

func (l *zlog) Error(msg string, err error, kv ...any) {
	l.emit(record{level: zerolog.ErrorLevel, msg: msg, err: err, kv: kv})
}

func (l *zlog) emit(r record) {
	if l.queue != nil {
		l.queue <- r
		return
	}
	l.write(r)
}

func (l *zlog) write(r record) {
	if r.signal != nil {
		close(r.signal)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.z.WithLevel(r.level)
	if r.err != nil {
		ev = ev.Err(r.err)
	}
	for i := 0; i+1 < len(r.kv); i += 2 {
		key, _ := r.kv[i].(string)
		ev = ev.Interface(key, r.kv[i+1])
	}
	ev.Msg(r.msg)

	l.lines++
	l.rotateIfNeeded()
}

func (l *zlog) run() {
	defer close(l.done)
	for r := range l.queue {
		l.write(r)
	}
}

// Flush blocks until every record queued before this call has been
// written. In synchronous mode it is a no-op. Implemented as a barrier
// record: since the queue is FIFO, everything ahead of it drains before
// run() reaches it and closes the signal channel.
func (l *zlog) Flush() {
	if l.queue == nil {
		return
	}
	signal := make(chan struct{})
	l.queue <- record{signal: signal}
	<-signal
}

// Close stops the draining goroutine (asynchronous mode only) and closes
// the underlying file.
func (l *zlog) Close() error {
	if l.queue != nil {
		close(l.queue)
		<-l.done
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
