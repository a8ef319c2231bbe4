package pool

import (
	"context"
	"database/sql/driver"
	"sync"
)

// PooledHandle owns a checked-out Conn. Go has no destructors, so callers
// must call Release explicitly on every path out of their function
// (typically via defer) to return the connection to its pool; Use wraps
// that discipline for the common case.
type PooledHandle struct {
	pool *Pool

	mu   sync.Mutex
	conn Conn

	once sync.Once
}

// Conn returns the connection this handle owns, or nil if Unwrap already
// took it.
func (h *PooledHandle) Conn() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Unwrap detaches the Conn from this handle so the caller can keep it past
// the handle's own lifetime. The handle no longer owns the connection, but
// a subsequent Release call is still required: it decrements the pool's
// outstanding count and wakes one waiter so a replacement can be opened.
func (h *PooledHandle) Unwrap() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := h.conn
	h.conn = nil
	return conn
}

// Release returns the connection to its pool (or, if Unwrap already took
// it, simply accounts for its departure). Safe to call more than once or
// concurrently; only the first call has any effect.
func (h *PooledHandle) Release() {
	h.once.Do(func() {
		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.mu.Unlock()
		h.pool.release(conn)
	})
}

// Use acquires a connection, passes it to fn, and releases it when fn
// returns or panics.
func (p *Pool) Use(ctx context.Context, fn func(Conn) error) error {
	h, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Conn())
}

// PooledStmt is a prepared statement bound to the connection that
// prepared it. Closing it releases that connection back to the pool.
type PooledStmt struct {
	handle *PooledHandle
	stmt   driver.Stmt
}

func (s *PooledStmt) NumInput() int { return s.stmt.NumInput() }

func (s *PooledStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.stmt.Exec(args)
}

func (s *PooledStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.stmt.Query(args)
}

// Close closes the underlying prepared statement and releases the handle
// regardless of whether closing the statement itself errored.
func (s *PooledStmt) Close() error {
	err := s.stmt.Close()
	s.handle.Release()
	return err
}

// PooledRows is a row iterator bound to the connection that produced it.
// Closing it releases that connection back to the pool.
type PooledRows struct {
	handle *PooledHandle
	rows   driver.Rows
}

func (r *PooledRows) Columns() []string { return r.rows.Columns() }

func (r *PooledRows) Next(dest []driver.Value) error { return r.rows.Next(dest) }

func (r *PooledRows) Close() error {
	err := r.rows.Close()
	r.handle.Release()
	return err
}

// PooledTx is a transaction bound to the connection it runs on. Exactly
// one of Commit or Rollback must be called; either one releases the
// handle.
type PooledTx struct {
	handle *PooledHandle
	tx     driver.Tx
}

func (t *PooledTx) Commit() error {
	err := t.tx.Commit()
	t.handle.Release()
	return err
}

func (t *PooledTx) Rollback() error {
	err := t.tx.Rollback()
	t.handle.Release()
	return err
}
