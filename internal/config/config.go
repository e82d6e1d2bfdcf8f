// Package config holds the server's tunables: the compile-time constants
// of the original reactor (MAX_FD, MAX_EVENT_NUMBER, MAX_REQUESTS,
// thread_number, TIMESLOT) turned into a struct with the same defaults the
// original compiled in. cmd/server uses these defaults and fills in only the
// bind address (from its CLI arguments) and the DB parameters (from the
// environment).
package config

import (
	"time"

	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
)

// Defaults matching the original's #define constants.
const (
	DefaultMaxFD         = 65536
	DefaultMaxEvents     = 10000
	DefaultMaxRequests   = 10000
	DefaultThreadNumber  = 8
	DefaultTimeslot      = 5 * time.Second
	DefaultDBConnections = 8
)

// Config is the full set of tunables wiring cmd/server's components.
type Config struct {
	// Bind is the listen address, e.g. "0.0.0.0:9006".
	Bind string

	// MaxFD caps the connection slot table's capacity. Small values are
	// useful in tests to exercise the overload path without allocating
	// 65536 slots.
	MaxFD int
	// MaxEvents sizes the epoll event buffer per EpollWait call.
	MaxEvents int
	// MaxRequests caps the worker pool's FIFO queue depth.
	MaxRequests int
	// ThreadNumber is the worker pool's fixed thread count.
	ThreadNumber int
	// Timeslot is the alarm interval; connection timeout is 3*Timeslot.
	Timeslot time.Duration

	// DB holds the MySQL connection parameters.
	DB dbpool.Config
	// DBConnections is the DB pool's fixed handle count.
	DBConnections int
}

// Default returns a Config populated with the original's compiled-in
// defaults, with Bind and DB left for the caller to fill in.
func Default() Config {
	return Config{
		MaxFD:         DefaultMaxFD,
		MaxEvents:     DefaultMaxEvents,
		MaxRequests:   DefaultMaxRequests,
		ThreadNumber:  DefaultThreadNumber,
		Timeslot:      DefaultTimeslot,
		DBConnections: DefaultDBConnections,
	}
}

// ConnTimeout is the inactivity duration after which a connection becomes
// eligible for eviction: 3 * Timeslot, matching the original's
// "expiry = now + 3*TIMESLOT" rule. Because eviction only runs on the
// alarm tick, actual eviction lands in [ConnTimeout, ConnTimeout+Timeslot).
func (c Config) ConnTimeout() time.Duration {
	return 3 * c.Timeslot
}
