package dbpool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Handle is the opaque SQL driver collaborator: the pool's only contract
// with it is lifecycle (open implicitly via the factory, then Ping/Close).
// No query execution belongs in this package.
type Handle interface {
	Ping(ctx context.Context) error
	Close() error
}

// Config names the database the pool connects to, mirroring the original
// connection_pool::init(url, user, password, database, port, N) signature.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// HandleFactory constructs one Handle. The pool calls it exactly N times
// during New, and fails construction as a whole if any call errors.
type HandleFactory func(ctx context.Context, cfg Config) (Handle, error)

// sqlHandle adapts a *sql.DB capped to a single open connection into a
// Handle. Capping at one connection matters: database/sql already pools
// internally, and if we let it open more than one connection per Handle we
// would be running two independent pools on top of each other. Our own
// lease/return bookkeeping is meant to be the only pool in play.
type sqlHandle struct {
	db *sql.DB
}

func (h *sqlHandle) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }
func (h *sqlHandle) Close() error                   { return h.db.Close() }

// DB exposes the underlying *sql.DB so the httpconn collaborator can issue
// queries through a leased handle. It is not part of the Handle interface
// since the core never calls it.
func (h *sqlHandle) DB() *sql.DB { return h.db }

// NewMySQLHandleFactory returns a HandleFactory that opens one MySQL
// connection per slot via github.com/go-sql-driver/mysql.
func NewMySQLHandleFactory() HandleFactory {
	return func(ctx context.Context, cfg Config) (Handle, error) {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &sqlHandle{db: db}, nil
	}
}

// DB returns the underlying *sql.DB for a Handle produced by the MySQL
// factory, or false if h was built by a different factory (e.g. a test
// fake). httpconn uses this to run queries against a leased handle.
func DB(h Handle) (*sql.DB, bool) {
	sh, ok := h.(*sqlHandle)
	if !ok {
		return nil, false
	}
	return sh.DB(), true
}
