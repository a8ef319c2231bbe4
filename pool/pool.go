// Package pool implements a bounded, statement-affinity-aware connection
// pool. Its acquisition algorithm follows the InnerPool/Pool pair it was
// ported from (scan idle list for a connection whose session already holds
// the requested statement, else grow up to max, else wait on the condition
// variable), except that a new connection is dialed with the mutex released
// after reserving its slot in count. Get and TryGet apply the same
// health-repair step (ping, then reset on failure) before the caller sees
// the connection; Prepare and PrepExec skip it.
package pool

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbpool/mysqlpool/dsnopts"
)

const (
	// DefaultMinConns mirrors the floor this package was ported from.
	DefaultMinConns = 10
	// DefaultMaxConns mirrors the ceiling this package was ported from.
	DefaultMaxConns = 100
)

// innerPool is the guarded state shared by every clone of a Pool. All
// reads and writes to its fields happen with mu held.
type innerPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts dsnopts.Opts
	dial Dialer

	idle    []Conn
	min     int
	max     int
	count   int // idle + checked-out
	waiting int // goroutines currently blocked in cond.Wait

	poisoned bool
	closed   bool
}

// Pool is a cheap-to-copy handle onto a shared innerPool: copying a Pool
// value shares the same guarded state, the way passing around a pointer
// would, so callers can treat Pool as a value type and hand copies to
// goroutines without synchronizing construction themselves.
type Pool struct {
	inner *innerPool
}

// New builds a pool with the package's default min/max bounds.
func New(opts dsnopts.Opts, dial Dialer) (*Pool, error) {
	return NewManual(DefaultMinConns, DefaultMaxConns, opts, dial)
}

// NewManual builds a pool with caller-supplied bounds, eagerly dialing min
// connections before returning. It fails with ErrInvalidPoolConstraints
// unless 0 < max and min <= max.
func NewManual(min, max int, opts dsnopts.Opts, dial Dialer) (*Pool, error) {
	if max <= 0 || min > max || min < 0 {
		return nil, ErrInvalidPoolConstraints
	}

	ip := &innerPool{
		opts: opts.Clone(),
		dial: dial,
		idle: make([]Conn, 0, max),
		min:  min,
		max:  max,
	}
	ip.cond = sync.NewCond(&ip.mu)

	for i := 0; i < min; i++ {
		conn, err := dial(context.Background(), ip.opts)
		if err != nil {
			slog.Warn("pool warm-up failed", "dialed", i, "want", min, "error", err)
			for _, c := range ip.idle {
				c.Close()
			}
			return nil, err
		}
		ip.idle = append(ip.idle, conn)
		ip.count++
	}

	return &Pool{inner: ip}, nil
}

// String prints only min/max, the way this package's Rust ancestor's
// fmt::Debug impl does, rather than dumping every idle connection.
func (p *Pool) String() string {
	ip := p.inner
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return fmt.Sprintf("Pool{min: %d, max: %d}", ip.min, ip.max)
}

// Stats is a point-in-time snapshot used by the metrics collector.
type Stats struct {
	Idle    int
	Active  int
	Total   int
	Waiting int
	Min     int
	Max     int
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	ip := p.inner
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return Stats{
		Idle:    len(ip.idle),
		Active:  ip.count - len(ip.idle),
		Total:   ip.count,
		Waiting: ip.waiting,
		Min:     ip.min,
		Max:     ip.max,
	}
}

// Close discards every idle connection and marks the pool closed; any
// connection already checked out is closed by its own Release once
// returned, since the pool can no longer accept it back.
func (p *Pool) Close() {
	ip := p.inner
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.closed {
		return
	}
	ip.closed = true
	for _, c := range ip.idle {
		c.Close()
	}
	ip.idle = nil
	ip.cond.Broadcast()
}

// Get waits, with no timeout, for a connection to become available.
func (p *Pool) Get(ctx context.Context) (*PooledHandle, error) {
	return p.acquire(ctx, acquireParams{doPing: true})
}

// TryGet behaves like Get but gives up with ErrTimeout once timeout has
// elapsed since the call began.
func (p *Pool) TryGet(ctx context.Context, timeout time.Duration) (*PooledHandle, error) {
	return p.acquire(ctx, acquireParams{doPing: true, hasTimeout: true, timeout: timeout})
}

// Prepare acquires a connection with affinity for one that already has sql
// prepared, and prepares it there. It does not ping or reset the connection
// first. The returned PooledStmt owns the connection until Close is called.
func (p *Pool) Prepare(ctx context.Context, sql string) (*PooledStmt, error) {
	h, err := p.acquire(ctx, acquireParams{stmtHint: sql, hasHint: true})
	if err != nil {
		return nil, err
	}
	stmt, err := h.conn.Prepare(ctx, sql)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &PooledStmt{handle: h, stmt: stmt}, nil
}

// PrepExec acquires a connection with affinity for sql, prepares (or
// reuses) it there, and executes it. It does not ping or reset the
// connection first. The returned PooledRows owns the connection until Close
// is called.
func (p *Pool) PrepExec(ctx context.Context, sql string, args []driver.NamedValue) (*PooledRows, error) {
	h, err := p.acquire(ctx, acquireParams{stmtHint: sql, hasHint: true})
	if err != nil {
		return nil, err
	}
	rows, err := h.conn.PrepExec(ctx, sql, args)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &PooledRows{handle: h, rows: rows}, nil
}

// StartTransaction acquires a connection unconditionally (no affinity hint
// applies to a fresh transaction) and begins a transaction on it. The
// returned PooledTx owns the connection until Commit or Rollback is called.
func (p *Pool) StartTransaction(ctx context.Context, opts driver.TxOptions) (*PooledTx, error) {
	h, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := h.conn.StartTransaction(ctx, opts)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &PooledTx{handle: h, tx: tx}, nil
}

type acquireParams struct {
	stmtHint   string
	hasHint    bool
	hasTimeout bool
	timeout    time.Duration
	doPing     bool
}

// acquire implements the pool's core algorithm: scan idle for an affinity
// match, else grow the pool up to max, else wait on cond (optionally
// bounded by a deadline), then remove the selected connection from idle
// and repair it before handing it back. The locked selection and the
// unlocked health check are two separate steps: a panic in the caller's
// Conn.Ping/Reset implementation must not trip an "unlock of unlocked
// mutex" on top of whatever it was already doing.
func (p *Pool) acquire(ctx context.Context, params acquireParams) (*PooledHandle, error) {
	ip := p.inner

	conn, err := ip.selectIdle(ctx, params)
	if err != nil {
		return nil, err
	}

	if params.doPing && !conn.Ping(ctx) {
		if err := conn.Reset(ctx); err != nil {
			ip.mu.Lock()
			ip.count--
			ip.cond.Signal()
			ip.mu.Unlock()
			return nil, err
		}
	}

	return &PooledHandle{pool: p, conn: conn}, nil
}

// selectIdle runs the locked half of acquire: it returns with the mutex
// released in every case, holding either a connection removed from idle
// or an error.
func (ip *innerPool) selectIdle(ctx context.Context, params acquireParams) (conn Conn, err error) {
	var deadline time.Time
	if params.hasTimeout {
		deadline = time.Now().Add(params.timeout)
	}

	ip.mu.Lock()
	locked := true
	unlock := func() {
		if locked {
			ip.mu.Unlock()
			locked = false
		}
	}
	defer func() {
		if r := recover(); r != nil {
			ip.poisoned = true
			unlock()
			panic(r)
		}
	}()
	defer unlock()

	if ip.poisoned {
		return nil, ErrPoisonedPoolMutex
	}
	if ip.closed {
		return nil, ErrPoolClosed
	}

	affinityIdx := -1
	if params.hasHint {
		for i, c := range ip.idle {
			if c.HasStmt(params.stmtHint) {
				affinityIdx = i
				break
			}
		}
	}

	for len(ip.idle) == 0 {
		if ip.closed {
			return nil, ErrPoolClosed
		}

		if ip.count < ip.max {
			ip.count++
			unlock()
			newConn, dialErr := ip.dial(ctx, ip.opts)
			ip.mu.Lock()
			locked = true
			if dialErr != nil {
				ip.count--
				ip.cond.Signal()
				slog.Warn("pool failed to grow", "error", dialErr)
				return nil, dialErr
			}
			ip.idle = append(ip.idle, newConn)
			break
		}

		if params.hasTimeout {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			timer := time.AfterFunc(remaining, func() {
				ip.mu.Lock()
				ip.cond.Broadcast()
				ip.mu.Unlock()
			})
			ip.waiting++
			ip.cond.Wait()
			ip.waiting--
			timer.Stop()
		} else {
			ip.waiting++
			ip.cond.Wait()
			ip.waiting--
		}

		if ip.poisoned {
			return nil, ErrPoisonedPoolMutex
		}
	}

	if affinityIdx >= 0 && affinityIdx < len(ip.idle) {
		conn = ip.idle[affinityIdx]
		ip.idle = append(ip.idle[:affinityIdx], ip.idle[affinityIdx+1:]...)
	} else {
		last := len(ip.idle) - 1
		conn = ip.idle[last]
		ip.idle = ip.idle[:last]
	}
	return conn, nil
}

// release is the Pool-side half of PooledHandle.Release: it runs exactly
// once per handle, regardless of whether the caller unwrapped the Conn
// out of the handle first.
func (p *Pool) release(conn Conn) {
	ip := p.inner
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if conn == nil {
		// Unwrap() took the connection out; only the bookkeeping remains.
		ip.count--
		ip.cond.Signal()
		return
	}

	if ip.closed || ip.count > ip.min {
		ip.count--
		ip.cond.Signal()
		conn.Close()
		return
	}

	ip.idle = append(ip.idle, conn)
	ip.cond.Signal()
}
