package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fuxinsen/tinywebserver-go/internal/metrics"
)

type fixedSlots int64

func (f fixedSlots) Active() int64 { return int64(f) }

type fixedQueue int

func (f fixedQueue) Len() int { return int(f) }

type fixedPool int

func (f fixedPool) Idle() int { return int(f) }

func TestSnapshot_ReadsWiredSources(t *testing.T) {
	s := metrics.Snapshot{Slots: fixedSlots(3), Queue: fixedQueue(7), Pool: fixedPool(2)}
	assert.Equal(t, int64(3), s.ActiveSlots())
	assert.Equal(t, 7, s.QueueDepth())
	assert.Equal(t, 2, s.PoolIdle())
	assert.Equal(t, "active_slots=3 queue_depth=7 pool_idle=2", s.Dump())
}

func TestSnapshot_ZeroValueIsSafeAndZero(t *testing.T) {
	var s metrics.Snapshot
	assert.Equal(t, int64(0), s.ActiveSlots())
	assert.Equal(t, 0, s.QueueDepth())
	assert.Equal(t, 0, s.PoolIdle())
}
