package dbpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
)

type fakeHandle struct {
	closed atomic.Bool
}

func (h *fakeHandle) Ping(context.Context) error { return nil }
func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func fakeFactory() dbpool.HandleFactory {
	return func(ctx context.Context, cfg dbpool.Config) (dbpool.Handle, error) {
		return &fakeHandle{}, nil
	}
}

func TestPool_LeaseReturn_RoundTrip(t *testing.T) {
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), 3)
	require.NoError(t, err)

	idleBefore, leasedBefore, semBefore := pool.Idle(), pool.Leased(), pool.SemaphoreValue()

	lease, err := pool.Lease(context.Background())
	require.NoError(t, err)
	lease.Close()

	assert.Equal(t, idleBefore, pool.Idle())
	assert.Equal(t, leasedBefore, pool.Leased())
	assert.Equal(t, semBefore, pool.SemaphoreValue())
}

func TestPool_LeasedPlusIdleEqualsN(t *testing.T) {
	const n = 4
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), n)
	require.NoError(t, err)

	var leases []*dbpool.Lease
	for i := 0; i < 2; i++ {
		l, err := pool.Lease(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}

	assert.Equal(t, n, pool.Idle()+pool.Leased())
	assert.Equal(t, pool.Idle(), pool.SemaphoreValue())

	for _, l := range leases {
		l.Close()
	}
	assert.Equal(t, n, pool.Idle())
}

func TestPool_Lease_BlocksUntilReleased(t *testing.T) {
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), 2)
	require.NoError(t, err)

	l1, err := pool.Lease(context.Background())
	require.NoError(t, err)
	l2, err := pool.Lease(context.Background())
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		l3, err := pool.Lease(context.Background())
		require.NoError(t, err)
		acquired.Store(true)
		l3.Close()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "third lease must block while pool is exhausted")

	l1.Close()
	l2.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third lease never unblocked")
	}
	assert.True(t, acquired.Load())
}

func TestPool_Lease_CanceledContext(t *testing.T) {
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), 1)
	require.NoError(t, err)

	l1, err := pool.Lease(context.Background())
	require.NoError(t, err)
	defer l1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Lease(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_Close_ErrorsWithOutstandingLeases(t *testing.T) {
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), 1)
	require.NoError(t, err)

	l, err := pool.Lease(context.Background())
	require.NoError(t, err)

	err = pool.Close()
	assert.ErrorIs(t, err, dbpool.ErrLeasesOutstanding)

	l.Close()
	assert.NoError(t, pool.Close())
}

func TestPool_New_FailsWhole_ClosesOpenedHandles(t *testing.T) {
	var opened []*fakeHandle
	var mu sync.Mutex
	n := 0
	factory := func(ctx context.Context, cfg dbpool.Config) (dbpool.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 3 {
			return nil, errors.New("boom")
		}
		h := &fakeHandle{}
		opened = append(opened, h)
		return h, nil
	}

	_, err := dbpool.New(context.Background(), dbpool.Config{}, factory, 5)
	require.Error(t, err)

	for _, h := range opened {
		assert.True(t, h.closed.Load())
	}
}

func TestPool_Lease_ConcurrentUseIsRaceFree(t *testing.T) {
	pool, err := dbpool.New(context.Background(), dbpool.Config{}, fakeFactory(), 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := pool.Lease(context.Background())
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
			l.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, pool.Idle())
	assert.Equal(t, 0, pool.Leased())
}
