// Package myconn implements the pool's Conn collaborator against a real
// MySQL server, delegating the wire protocol to
// github.com/go-sql-driver/mysql and driving it through the
// database/sql/driver interfaces directly instead of through database/sql,
// the same layer database/sql itself sits on.
package myconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql/driver"
	"fmt"
	"os"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/dbpool/mysqlpool/dsnopts"
)

// Conn is a single MySQL connection plus the per-connection prepared
// statement cache the pool's affinity routing relies on.
type Conn struct {
	connector driver.Connector
	raw       driver.Conn

	mu    sync.Mutex
	stmts map[string]driver.Stmt
}

// Dial opens a new connection per opts and runs opts.Init against it
// before returning, matching the "open" operation's contract that
// construction and init-script execution happen together.
func Dial(ctx context.Context, opts dsnopts.Opts) (*Conn, error) {
	cfg := mysql.NewConfig()
	cfg.User = opts.User
	cfg.Passwd = opts.Pass
	cfg.DBName = opts.DBName
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", opts.IPOrHostname, opts.TCPPort)
	cfg.AllowNativePasswords = true
	cfg.CheckConnLiveness = true
	cfg.ParseTime = true

	if err := applyTLS(cfg, opts); err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("myconn: building connector: %w", err)
	}

	raw, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("myconn: dial %s: %w", cfg.Addr, err)
	}

	c := &Conn{connector: connector, raw: raw, stmts: make(map[string]driver.Stmt)}
	if err := c.runInit(ctx, opts.Init); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// applyTLS wires opts.SSLOpts/VerifyPeer into the driver's TLS config
// registry. A nil SSLOpts with VerifyPeer set still requests TLS using the
// system trust store.
func applyTLS(cfg *mysql.Config, opts dsnopts.Opts) error {
	if opts.SSLOpts == nil {
		if opts.VerifyPeer {
			cfg.TLSConfig = "true"
		}
		return nil
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !opts.VerifyPeer}

	if opts.SSLOpts.CACertPath != "" {
		pem, err := os.ReadFile(opts.SSLOpts.CACertPath)
		if err != nil {
			return fmt.Errorf("myconn: reading CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("myconn: no certificates found in %s", opts.SSLOpts.CACertPath)
		}
		tlsCfg.RootCAs = certPool
	}

	if opts.SSLOpts.HasClientCert {
		cert, err := tls.LoadX509KeyPair(opts.SSLOpts.ClientCert, opts.SSLOpts.ClientKey)
		if err != nil {
			return fmt.Errorf("myconn: loading client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	name := fmt.Sprintf("mysqlpool-%s-%d", opts.IPOrHostname, opts.TCPPort)
	if err := mysql.RegisterTLSConfig(name, tlsCfg); err != nil {
		return fmt.Errorf("myconn: registering tls config: %w", err)
	}
	cfg.TLSConfig = name
	return nil
}

func (c *Conn) runInit(ctx context.Context, stmts []string) error {
	for _, sql := range stmts {
		if execCtx, ok := c.raw.(driver.ExecerContext); ok {
			if _, err := execCtx.ExecContext(ctx, sql, nil); err != nil {
				return fmt.Errorf("myconn: init statement %q: %w", sql, err)
			}
			continue
		}
		if execer, ok := c.raw.(driver.Execer); ok {
			if _, err := execer.Exec(sql, nil); err != nil {
				return fmt.Errorf("myconn: init statement %q: %w", sql, err)
			}
			continue
		}
		return fmt.Errorf("myconn: init statement %q: driver exposes no Exec", sql)
	}
	return nil
}

// Close closes every cached prepared statement, then the connection
// itself.
func (c *Conn) Close() error {
	c.mu.Lock()
	for sql, stmt := range c.stmts {
		stmt.Close()
		delete(c.stmts, sql)
	}
	c.mu.Unlock()
	return c.raw.Close()
}

// Ping reports liveness via driver.Pinger. A driver.Conn that does not
// implement it is assumed live, matching database/sql's own fallback.
func (c *Conn) Ping(ctx context.Context) bool {
	pinger, ok := c.raw.(driver.Pinger)
	if !ok {
		return true
	}
	return pinger.Ping(ctx) == nil
}

// Reset restores session state via driver.SessionResetter and drops the
// statement cache, since a reset connection no longer has anything
// prepared.
func (c *Conn) Reset(ctx context.Context) error {
	resetter, ok := c.raw.(driver.SessionResetter)
	if ok {
		if err := resetter.ResetSession(ctx); err != nil {
			return fmt.Errorf("myconn: reset session: %w", err)
		}
	}
	c.mu.Lock()
	for sql, stmt := range c.stmts {
		stmt.Close()
		delete(c.stmts, sql)
	}
	c.mu.Unlock()
	return nil
}

// HasStmt reports whether sql is already prepared and cached on this
// connection.
func (c *Conn) HasStmt(sql string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stmts[sql]
	return ok
}

// Prepare returns the cached statement for sql if one exists, else
// prepares and caches a new one.
func (c *Conn) Prepare(ctx context.Context, sql string) (driver.Stmt, error) {
	c.mu.Lock()
	if stmt, ok := c.stmts[sql]; ok {
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	var stmt driver.Stmt
	var err error
	if prepCtx, ok := c.raw.(driver.ConnPrepareContext); ok {
		stmt, err = prepCtx.PrepareContext(ctx, sql)
	} else {
		stmt, err = c.raw.Prepare(sql)
	}
	if err != nil {
		return nil, fmt.Errorf("myconn: prepare %q: %w", sql, err)
	}

	c.mu.Lock()
	c.stmts[sql] = stmt
	c.mu.Unlock()
	return stmt, nil
}

// PrepExec prepares (or reuses) sql and runs it, returning a row iterator.
func (c *Conn) PrepExec(ctx context.Context, sql string, args []driver.NamedValue) (driver.Rows, error) {
	stmt, err := c.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	if qctx, ok := stmt.(driver.StmtQueryContext); ok {
		return qctx.QueryContext(ctx, args)
	}
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	return stmt.Query(values)
}

// StartTransaction begins a transaction on this connection.
func (c *Conn) StartTransaction(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if beginCtx, ok := c.raw.(driver.ConnBeginTx); ok {
		return beginCtx.BeginTx(ctx, opts)
	}
	return c.raw.Begin()
}
