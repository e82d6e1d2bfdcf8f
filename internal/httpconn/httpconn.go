// Package httpconn is the out-of-core HTTP collaborator: a minimal
// HTTP/1.0-1.1 request parser and response writer implementing
// connslot.Connection. The reactor and worker pool never parse a byte of
// HTTP themselves — they call Init at accept, ReadOnce/Write when the
// socket is ready, and Process on a worker goroutine with a leased DB
// handle. HTTP semantics stay entirely opaque to the core.
package httpconn

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
)

const (
	readBufferSize  = 4096
	maxRequestBytes = 1 << 20 // 1MiB, refuses pathologically large requests
)

// parseState tracks progress across possibly-multiple ReadOnce calls for
// a single request (a client may dribble bytes in over several readiness
// events before the request line and headers are complete).
type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateReady
)

// Conn is one connection's HTTP state, installed into a connslot.Data via
// connslot.Table.Open and driven by the reactor/worker pool through the
// connslot.Connection interface.
type Conn struct {
	fd   int
	peer net.Addr

	docRoot string
	store   *UserStore

	readBuf []byte // accumulates raw bytes across ReadOnce calls
	state   parseState

	method     string
	path       string
	proto      string
	headers    map[string]string
	contentLen int
	bodyWant   int
	body       []byte

	writeBuf  []byte // pending response bytes; Write drains this
	keepAlive bool
}

// New constructs a Conn bound to docRoot for static GETs and store for
// login POST checks.
func New(docRoot string, store *UserStore) *Conn {
	return &Conn{docRoot: docRoot, store: store}
}

// Init resets per-connection state for a freshly accepted descriptor. fd
// is the raw, non-blocking socket descriptor the reactor registered with
// its poller; ReadOnce/Write operate on it directly via golang.org/x/sys/unix,
// matching the reactor's own fd-level epoll registration.
func (c *Conn) Init(fd int, peer net.Addr) {
	c.fd = fd
	c.peer = peer
	c.readBuf = c.readBuf[:0]
	c.state = stateRequestLine
	c.contentLen = 0
	c.bodyWant = 0
	c.headers = nil
	c.body = nil
	c.writeBuf = nil
	c.keepAlive = true
}

// Close releases the underlying descriptor. Deregistration from the
// poller and slot-table bookkeeping are the reactor's responsibility.
func (c *Conn) Close() {
	_ = unix.Close(c.fd)
}

// ReadOnce drains the socket into the internal buffer (non-blocking,
// looping until EAGAIN as edge-triggered readiness needs) and advances
// the request parse state machine. Returns false on peer close or read
// error, or if the accumulated request exceeds maxRequestBytes — either
// causes the caller to evict the connection.
func (c *Conn) ReadOnce() bool {
	var buf [readBufferSize]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
			if len(c.readBuf) > maxRequestBytes {
				return false
			}
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return false
		}
		if n == 0 {
			return false
		}
	}
	return c.advanceParse()
}

func (c *Conn) advanceParse() bool {
	for {
		switch c.state {
		case stateRequestLine:
			line, rest, ok := cutLine(c.readBuf)
			if !ok {
				return true // wait for more bytes
			}
			if !c.parseRequestLine(line) {
				return false
			}
			c.readBuf = rest
			c.state = stateHeaders
		case stateHeaders:
			line, rest, ok := cutLine(c.readBuf)
			if !ok {
				return true
			}
			if len(line) == 0 {
				c.readBuf = rest
				if c.contentLen > 0 {
					c.bodyWant = c.contentLen
					c.state = stateBody
				} else {
					c.state = stateReady
				}
				continue
			}
			c.parseHeaderLine(line)
			c.readBuf = rest
		case stateBody:
			if len(c.readBuf) < c.bodyWant {
				return true
			}
			c.body = append([]byte(nil), c.readBuf[:c.bodyWant]...)
			c.readBuf = c.readBuf[c.bodyWant:]
			c.state = stateReady
			return true
		case stateReady:
			return true
		}
	}
}

func (c *Conn) parseRequestLine(line []byte) bool {
	parts := strings.Fields(string(line))
	if len(parts) != 3 {
		return false
	}
	c.method, c.path, c.proto = parts[0], parts[1], parts[2]
	c.headers = make(map[string]string)
	c.keepAlive = c.proto == "HTTP/1.1"
	return true
}

func (c *Conn) parseHeaderLine(line []byte) {
	s := string(line)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return
	}
	key := strings.ToLower(strings.TrimSpace(s[:i]))
	val := strings.TrimSpace(s[i+1:])
	c.headers[key] = val
	switch key {
	case "content-length":
		if n, err := strconv.Atoi(val); err == nil {
			c.contentLen = n
		}
	case "connection":
		c.keepAlive = strings.EqualFold(val, "keep-alive")
	}
}

// Requested reports whether a full request has been parsed and is ready
// for Process.
func (c *Conn) Requested() bool { return c.state == stateReady }

// Process handles the parsed request using handle for any DB-backed
// route, then builds the response into the internal write buffer. If the
// request is still incomplete, Process leaves the parse state as it is and
// produces nothing, so later ReadOnce calls can finish it.
// Process never touches the socket directly — Write flushes what it
// produces here, so the reactor/worker split around blocking I/O holds.
func (c *Conn) Process(handle dbpool.Handle) {
	if !c.Requested() {
		return
	}

	status, reason, ctype, body := c.route(handle)
	c.writeBuf = append(c.writeBuf, buildResponse(status, reason, ctype, body, c.keepAlive)...)
	c.resetForNextRequest()
}

func (c *Conn) resetForNextRequest() {
	c.state = stateRequestLine
	c.contentLen = 0
	c.bodyWant = 0
	c.body = nil
	c.headers = nil
}

func (c *Conn) route(handle dbpool.Handle) (status int, reason, ctype string, body []byte) {
	switch {
	case c.method == "GET" && c.path == "/login":
		return 200, "OK", "text/plain", []byte("login form")
	case c.method == "POST" && c.path == "/login":
		user, pass := parseFormBody(c.body)
		if c.store != nil && c.store.Check(user, pass) {
			return 200, "OK", "text/plain", []byte("welcome")
		}
		return 401, "Unauthorized", "text/plain", []byte("invalid credentials")
	case c.method == "GET":
		return c.serveStatic()
	default:
		return 405, "Method Not Allowed", "text/plain", []byte("method not allowed")
	}
}

func (c *Conn) serveStatic() (int, string, string, []byte) {
	if c.docRoot == "" {
		return 404, "Not Found", "text/plain", []byte("not found")
	}
	clean := filepath.Clean("/" + c.path)
	full := filepath.Join(c.docRoot, clean)
	data, err := os.ReadFile(full)
	if err != nil {
		return 404, "Not Found", "text/plain", []byte("not found")
	}
	return 200, "OK", contentTypeFor(full), data
}

func buildResponse(status int, reason, ctype string, body []byte, keepAlive bool) []byte {
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: %s\r\n\r\n",
		status, reason, ctype, len(body), conn)
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)
	return out
}

// Write flushes the pending response buffer onto the socket (non-blocking,
// partial writes are retried on the next readiness event). Returns false
// on write error, which the caller treats as an eviction signal.
func (c *Conn) Write() bool {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true // will finish draining on the next writable event
			}
			return false
		}
	}
	return true
}

// PendingWrite reports whether Write has more buffered bytes to send.
func (c *Conn) PendingWrite() bool { return len(c.writeBuf) > 0 }

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func parseFormBody(body []byte) (user, pass string) {
	for _, pair := range strings.Split(string(body), "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "user", "username":
			user = kv[1]
		case "password", "pass":
			pass = kv[1]
		}
	}
	return
}

func cutLine(buf []byte) (line, rest []byte, ok bool) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return buf[:i], buf[i+2:], true
		}
	}
	return nil, buf, false
}

// UserStore is the in-memory user table the original preloaded from MySQL
// at startup (main.cpp's users->initmysql_result(connPool)) so request-time
// auth checks never hit the database.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewUserStore returns an empty store, to be filled by PreloadUsers.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]string)}
}

// Check reports whether user/pass matches a preloaded row.
func (s *UserStore) Check(user, pass string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want, ok := s.users[user]
	return ok && want == pass
}

// set installs a row; used by PreloadUsers.
func (s *UserStore) set(user, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = pass
}

// PreloadUsers runs once at startup, before the reactor starts accepting,
// leasing a handle from pool and loading the user table into store —
// the Go port of main.cpp's users->initmysql_result(connPool). A query
// failure is init-fatal: the caller should abort startup on a non-nil
// return.
func PreloadUsers(ctx context.Context, pool *dbpool.Pool, store *UserStore) error {
	lease, err := pool.Lease(ctx)
	if err != nil {
		return err
	}
	defer lease.Close()

	db, ok := dbpool.DB(lease.Handle())
	if !ok {
		return fmt.Errorf("httpconn: preload requires a MySQL-backed handle")
	}

	rows, err := db.QueryContext(ctx, "SELECT username, passwd FROM user")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var user, pass string
		if err := rows.Scan(&user, &pass); err != nil {
			return err
		}
		store.set(user, pass)
	}
	return rows.Err()
}
