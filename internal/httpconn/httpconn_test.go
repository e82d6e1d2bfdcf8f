package httpconn_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fuxinsen/tinywebserver-go/internal/httpconn"
)

// socketpair returns (serverFd, clientFd): serverFd is non-blocking, as the
// reactor hands to Conn.Init; clientFd is non-blocking too, standing in for
// a real peer driven directly by the test (readAll polls it through EAGAIN).
func socketpair(t *testing.T) (serverFd, clientFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestConn_GET_ServesStaticFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o644))

	serverFd, clientFd := socketpair(t)
	c := httpconn.New(dir, nil)
	c.Init(serverFd, &net.TCPAddr{})

	_, err := unix.Write(clientFd, []byte("GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.ReadOnce() && c.Requested()
	}, time.Second, time.Millisecond)

	c.Process(nil)
	require.True(t, c.Write())

	resp := readAll(t, clientFd)
	assert.Contains(t, resp, "200 OK")
	assert.Contains(t, resp, "hello")
}

func TestConn_GET_MissingFile_Returns404(t *testing.T) {
	dir := t.TempDir()
	serverFd, clientFd := socketpair(t)
	c := httpconn.New(dir, nil)
	c.Init(serverFd, &net.TCPAddr{})

	_, err := unix.Write(clientFd, []byte("GET /nope.html HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.ReadOnce() && c.Requested() }, time.Second, time.Millisecond)
	c.Process(nil)
	require.True(t, c.Write())

	resp := readAll(t, clientFd)
	assert.Contains(t, resp, "404")
}

func TestUserStore_Check_EmptyStoreRejects(t *testing.T) {
	store := httpconn.NewUserStore()
	assert.False(t, store.Check("alice", "secret"))
}

func TestConn_POSTLogin_RejectsUnknownUser(t *testing.T) {
	store := httpconn.NewUserStore()
	serverFd, clientFd := socketpair(t)
	c := httpconn.New("", store)
	c.Init(serverFd, &net.TCPAddr{})

	body := "user=alice&password=wrong"
	req := "POST /login HTTP/1.1\r\nContent-Length: " +
		itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body

	_, err := unix.Write(clientFd, []byte(req))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.ReadOnce() && c.Requested() }, time.Second, time.Millisecond)
	c.Process(nil)
	require.True(t, c.Write())

	resp := readAll(t, clientFd)
	assert.Contains(t, resp, "401")
}

func readAll(t *testing.T, fd int) string {
	t.Helper()
	var out []byte
	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == nil && n > 0 {
			// drained what's there; give the writer a moment for more, then stop
			break
		}
		if err != nil && err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return string(out)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
