package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbpool/mysqlpool/dsnopts"
)

// fakeConn is an in-memory stand-in for myconn.Conn, just enough of the
// Conn contract to exercise the pool's bookkeeping without a real server.
type fakeConn struct {
	id       int
	mu       sync.Mutex
	stmts    map[string]bool
	closed   bool
	pingOK   bool
	resetErr error
	resets   int
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, stmts: make(map[string]bool), pingOK: true}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingOK
}

func (c *fakeConn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

func (c *fakeConn) HasStmt(sql string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stmts[sql]
}

func (c *fakeConn) Prepare(ctx context.Context, sql string) (driver.Stmt, error) {
	c.mu.Lock()
	c.stmts[sql] = true
	c.mu.Unlock()
	return &fakeStmt{conn: c, sql: sql}, nil
}

func (c *fakeConn) PrepExec(ctx context.Context, sql string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.stmts[sql] = true
	c.mu.Unlock()
	return &fakeRows{}, nil
}

func (c *fakeConn) StartTransaction(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return &fakeTx{}, nil
}

type fakeStmt struct {
	conn *fakeConn
	sql  string
}

func (s *fakeStmt) Close() error                                    { return nil }
func (s *fakeStmt) NumInput() int                                   { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) { return nil, nil }
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error)  { return &fakeRows{}, nil }

type fakeRows struct{ closed bool }

func (r *fakeRows) Columns() []string              { return nil }
func (r *fakeRows) Close() error                   { r.closed = true; return nil }
func (r *fakeRows) Next(dest []driver.Value) error { return errNoMoreRows }

var errNoMoreRows = errors.New("no more rows")

type fakeTx struct {
	committed bool
	rolledBack bool
}

func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { t.rolledBack = true; return nil }

func newCountingDialer() (Dialer, *int32) {
	var n int32
	return func(ctx context.Context, opts dsnopts.Opts) (Conn, error) {
		id := atomic.AddInt32(&n, 1)
		return newFakeConn(int(id)), nil
	}, &n
}

func TestNewManual_InvalidConstraints(t *testing.T) {
	dial, _ := newCountingDialer()
	if _, err := NewManual(5, 2, dsnopts.Default(), dial); err != ErrInvalidPoolConstraints {
		t.Fatalf("got %v, want ErrInvalidPoolConstraints", err)
	}
	if _, err := NewManual(0, 0, dsnopts.Default(), dial); err != ErrInvalidPoolConstraints {
		t.Fatalf("got %v, want ErrInvalidPoolConstraints for max=0", err)
	}
}

func TestNewManual_EagerlyDialsMin(t *testing.T) {
	dial, n := newCountingDialer()
	p, err := NewManual(3, 5, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	if got := atomic.LoadInt32(n); got != 3 {
		t.Fatalf("dialed %d conns, want 3", got)
	}
	st := p.Stats()
	if st.Idle != 3 || st.Total != 3 {
		t.Fatalf("stats = %+v, want idle=3 total=3", st)
	}
}

func TestGet_ReturnsConnAndReleaseRestoresIdle(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 2, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Stats().Idle != 0 {
		t.Fatalf("expected 0 idle while checked out, got %+v", p.Stats())
	}
	h.Release()
	if got := p.Stats().Idle; got != 1 {
		t.Fatalf("expected 1 idle after release, got %d", got)
	}
}

func TestGet_GrowsPoolUpToMax(t *testing.T) {
	dial, n := newCountingDialer()
	p, err := NewManual(0, 2, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	h2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if got := atomic.LoadInt32(n); got != 2 {
		t.Fatalf("dialed %d conns, want 2", got)
	}
	h1.Release()
	h2.Release()
}

func TestTryGet_TimesOutWhenExhausted(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(0, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer h.Release()

	start := time.Now()
	_, err = p.TryGet(context.Background(), 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestTryGet_WakesUpOnRelease(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(0, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}()

	h2, err := p.TryGet(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	h2.Release()
}

func TestAcquire_AffinityPrefersMatchingConnOverLIFOOrder(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(3, 3, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}

	// idle is LIFO: [c1, c2, c3]. Check out the last two, in order, so
	// releasing them back puts the primed connection in the middle of
	// idle rather than at the tail, where a plain LIFO pop would miss it.
	h1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	h2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}

	primed := h1.Conn().(*fakeConn)
	if _, err := h1.Conn().Prepare(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Prepare on held conn: %v", err)
	}

	h1.Release() // idle: [c1, c3(primed)]
	h2.Release() // idle: [c1, c3(primed), c2]; primed conn now mid-list, not tail

	stmt, err := p.Prepare(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer stmt.Close()

	got := stmt.handle.conn.(*fakeConn)
	if got.id != primed.id {
		t.Fatalf("affinity routing picked conn %d, want primed conn %d", got.id, primed.id)
	}
}

func TestAcquire_PingFailureTriggersReset(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	fc := p.inner.idle[0].(*fakeConn)
	fc.pingOK = false

	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fc.resets != 1 {
		t.Fatalf("expected one Reset after failed Ping, got %d", fc.resets)
	}
	h.Release()
}

func TestAcquire_PingFailureThenResetFailureDropsConn(t *testing.T) {
	dial, n := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	fc := p.inner.idle[0].(*fakeConn)
	fc.pingOK = false
	fc.resetErr = errors.New("reset failed")

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected error from failed reset")
	}
	if p.Stats().Total != 0 {
		t.Fatalf("expected count to drop to 0, got %+v", p.Stats())
	}

	// The freed slot lets the next acquisition dial a replacement.
	go func() {
		time.Sleep(5 * time.Millisecond)
	}()
	h, err := p.TryGet(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("TryGet after drop: %v", err)
	}
	if got := atomic.LoadInt32(n); got != 2 {
		t.Fatalf("expected a second dial after drop, got %d dials", got)
	}
	h.Release()
}

func TestRelease_ClosesExcessOverMin(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 3, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	h2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}

	c1 := h1.Conn().(*fakeConn)
	c2 := h2.Conn().(*fakeConn)
	h1.Release()
	h2.Release()

	// Whichever connection is released while count still exceeds min gets
	// closed; release order decides which one, not connection identity.
	// Exactly one of the two must end up closed, and the pool must settle
	// back at its floor.
	if c1.closed == c2.closed {
		t.Fatalf("expected exactly one connection closed, got c1.closed=%v c2.closed=%v", c1.closed, c2.closed)
	}
	if p.Stats().Total != 1 {
		t.Fatalf("expected total to settle at min (1), got %+v", p.Stats())
	}
}

func TestUnwrap_StillDecrementsOnRelease(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn := h.Unwrap()
	if conn == nil {
		t.Fatal("Unwrap returned nil")
	}
	h.Release()
	if p.Stats().Total != 0 {
		t.Fatalf("expected count to drop after unwrap+release, got %+v", p.Stats())
	}
	conn.Close()
}

func TestRelease_IsIdempotent(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	h, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.Release()
	h.Release()
	if p.Stats().Total != 1 {
		t.Fatalf("double release corrupted count: %+v", p.Stats())
	}
}

func TestUse_ReleasesOnPanic(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}

	func() {
		defer func() { recover() }()
		p.Use(context.Background(), func(c Conn) error {
			panic("boom")
		})
	}()

	h, err := p.TryGet(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("pool did not recover connection after panic in Use: %v", err)
	}
	h.Release()
}

func TestStartTransaction_CommitReleasesHandle(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(1, 1, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}
	tx, err := p.StartTransaction(context.Background(), driver.TxOptions{})
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p.Stats().Idle != 1 {
		t.Fatalf("expected connection returned to idle after commit, got %+v", p.Stats())
	}
}

func TestConcurrentPrepExec_HoldsInvariantsAndCompletes(t *testing.T) {
	dial, _ := newCountingDialer()
	p, err := NewManual(10, 100, dsnopts.Default(), dial)
	if err != nil {
		t.Fatalf("NewManual: %v", err)
	}

	const goroutines = 100
	var wg sync.WaitGroup
	var violations int32

	checkInvariants := func() {
		st := p.Stats()
		if st.Idle < 0 || st.Idle > st.Total || st.Total > st.Max {
			atomic.AddInt32(&violations, 1)
		}
	}

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := p.PrepExec(context.Background(), "SELECT 1", nil)
			if err != nil {
				t.Errorf("PrepExec: %v", err)
				return
			}
			checkInvariants()
			rows.Close()
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&violations) != 0 {
		t.Fatalf("observed %d invariant violations during concurrent PrepExec", violations)
	}
	if st := p.Stats(); st.Total > 100 {
		t.Fatalf("count exceeded max: %+v", st)
	}
}

func TestManager_RegisterGetAllStatsClose(t *testing.T) {
	dial, _ := newCountingDialer()
	p1, _ := NewManual(1, 1, dsnopts.Default(), dial)
	p2, _ := NewManual(2, 2, dsnopts.Default(), dial)

	m := NewManager()
	m.Register("a", p1)
	m.Register("b", p2)

	if got, ok := m.Get("a"); !ok || got != p1 {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("expected missing pool lookup to fail")
	}

	names := m.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names() = %v", names)
	}

	stats := m.AllStats()
	if stats["a"].Total != 1 || stats["b"].Total != 2 {
		t.Fatalf("AllStats() = %+v", stats)
	}

	m.Close()
	if !p1.inner.closed || !p2.inner.closed {
		t.Fatal("Close() did not close registered pools")
	}
}
