package pool

import (
	"context"
	"database/sql/driver"

	"github.com/dbpool/mysqlpool/dsnopts"
)

// Conn is the collaborator a Pool manages. It is treated as a black box:
// the pool only ever opens one (via Dialer), pings it, resets it, checks it
// for a cached statement, and eventually closes it. Everything about how a
// query actually runs belongs to the concrete implementation in package
// myconn.
type Conn interface {
	// Close releases the underlying network connection. Called when the
	// pool discards a connection instead of returning it to idle.
	Close() error

	// Ping reports whether the connection is still alive. It must not
	// panic or block past ctx; a false return triggers Reset.
	Ping(ctx context.Context) bool

	// Reset restores a connection to a fresh session state (rolls back any
	// open transaction, clears session variables). Called only after a
	// failed Ping during Get/TryGet.
	Reset(ctx context.Context) error

	// HasStmt reports whether this connection's own statement cache
	// already holds a prepared statement for sql. Used for affinity
	// routing only; a false negative just costs a re-prepare, never
	// correctness.
	HasStmt(sql string) bool

	// Prepare compiles sql and caches it for future HasStmt/Prepare
	// calls against the same connection.
	Prepare(ctx context.Context, sql string) (driver.Stmt, error)

	// PrepExec prepares sql (or reuses a cached statement) and executes
	// it, returning a row iterator.
	PrepExec(ctx context.Context, sql string, args []driver.NamedValue) (driver.Rows, error)

	// StartTransaction begins a transaction on this connection.
	StartTransaction(ctx context.Context, opts driver.TxOptions) (driver.Tx, error)
}

// Dialer opens one new Conn against opts. Pool never inspects opts itself
// beyond cloning it for each dial; everything connection-specific is the
// Dialer's responsibility.
type Dialer func(ctx context.Context, opts dsnopts.Opts) (Conn, error)
