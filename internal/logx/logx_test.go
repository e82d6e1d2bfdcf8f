package logx_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuxinsen/tinywebserver-go/internal/logx"
)

type closer interface{ Close() error }

func TestLogger_Synchronous_WritesImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	l, err := logx.New(logx.Config{Path: path})
	require.NoError(t, err)
	defer l.(closer).Close()

	l.Info("accepted connection", "fd", 7)
	l.Error("lease failed", errors.New("boom"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "accepted connection")
	assert.Contains(t, string(data), "lease failed")
}

func TestLogger_Asynchronous_FlushDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	l, err := logx.New(logx.Config{Path: path, AsyncQueueDepth: 16})
	require.NoError(t, err)
	defer l.(closer).Close()

	for i := 0; i < 50; i++ {
		l.Info("tick")
	}
	l.Flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestLogger_Rotation_StartsNewFileAfterLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	l, err := logx.New(logx.Config{Path: path, MaxLinesPerFile: 2})
	require.NoError(t, err)
	defer l.(closer).Close()

	l.Info("one")
	l.Info("two")
	l.Info("three") // should land in server.1.log

	_, err = os.Stat(filepath.Join(dir, "server.1.log"))
	assert.NoError(t, err)
}
