// Package metrics exposes the admin counters the original only surfaced
// through log lines (plain m_user_count, etc.): active slot count, work
// queue depth, and DB pool idle count, as point-in-time reads suitable for
// tests and for a textual dump in the log.
package metrics

import "fmt"

// ActiveSlotsSource reports the connection slot table's active count.
type ActiveSlotsSource interface{ Active() int64 }

// QueueDepthSource reports the worker pool's queue depth.
type QueueDepthSource interface{ Len() int }

// PoolIdleSource reports the DB pool's idle handle count.
type PoolIdleSource interface{ Idle() int }

// Snapshot wires the three sources together for reads and dumps.
type Snapshot struct {
	Slots ActiveSlotsSource
	Queue QueueDepthSource
	Pool  PoolIdleSource
}

// ActiveSlots returns the current active connection count, or 0 if no
// source was wired.
func (s Snapshot) ActiveSlots() int64 {
	if s.Slots == nil {
		return 0
	}
	return s.Slots.Active()
}

// QueueDepth returns the current worker queue depth, or 0 if no source was
// wired.
func (s Snapshot) QueueDepth() int {
	if s.Queue == nil {
		return 0
	}
	return s.Queue.Len()
}

// PoolIdle returns the current DB pool idle count, or 0 if no source was
// wired.
func (s Snapshot) PoolIdle() int {
	if s.Pool == nil {
		return 0
	}
	return s.Pool.Idle()
}

// Dump renders a one-line textual summary, suitable for a shutdown log
// entry.
func (s Snapshot) Dump() string {
	return fmt.Sprintf("active_slots=%d queue_depth=%d pool_idle=%d",
		s.ActiveSlots(), s.QueueDepth(), s.PoolIdle())
}
