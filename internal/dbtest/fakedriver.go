// Package dbtest provides an in-memory database/sql/driver.Driver fake used
// to exercise the pool, router, and health monitor deterministically, without
// a live network connection. Each fake DSN names an independent in-memory
// endpoint whose behavior (latency, failure injection) can be controlled by
// the test through the registry returned by Register.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInjected is returned by Open when an endpoint has been told to fail
// before any connection exists. Once a connection is established, failures
// surface as driver.ErrBadConn instead, matching how a real driver reports
// a dead connection that database/sql should retry on a fresh one.
var ErrInjected = errors.New("dbtest: injected failure")

// Endpoint is the shared, mutable behavior knob for one fake DSN. Tests
// obtain one via Register and flip Failing/Latency to simulate outages.
type Endpoint struct {
	name string

	mu      sync.Mutex
	failing bool
	latency time.Duration
	closed  bool

	opened int64
	pings  int64
}

// SetFailing toggles whether new connections and pings on this endpoint fail.
func (e *Endpoint) SetFailing(failing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failing = failing
}

// SetLatency sets an artificial delay applied to each operation.
func (e *Endpoint) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

func (e *Endpoint) snapshot() (failing bool, latency time.Duration, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failing, e.latency, e.closed
}

// OpenedCount returns how many connections have ever been opened.
func (e *Endpoint) OpenedCount() int64 { return atomic.LoadInt64(&e.opened) }

// PingCount returns how many pings this endpoint has served.
func (e *Endpoint) PingCount() int64 { return atomic.LoadInt64(&e.pings) }

var (
	registryMu sync.Mutex
	registry   = map[string]*Endpoint{}
	registered bool
)

const DriverName = "dbtest"

// Register creates (or returns) the Endpoint behavior knob for dsn and
// ensures the dbtest driver is registered with database/sql under DriverName.
// Safe to call repeatedly; registering the same dsn twice returns the same
// Endpoint.
func Register(dsn string) *Endpoint {
	registryMu.Lock()
	defer registryMu.Unlock()

	if !registered {
		sql.Register(DriverName, &fakeDriver{})
		registered = true
	}
	ep, ok := registry[dsn]
	if !ok {
		ep = &Endpoint{name: dsn}
		registry[dsn] = ep
	}
	return ep
}

func lookup(dsn string) (*Endpoint, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	ep, ok := registry[dsn]
	return ep, ok
}

type fakeDriver struct{}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	ep, ok := lookup(dsn)
	if !ok {
		ep = Register(dsn)
	}
	failing, latency, closed := ep.snapshot()
	if closed {
		return nil, errors.New("dbtest: endpoint permanently closed")
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	if failing {
		return nil, ErrInjected
	}
	atomic.AddInt64(&ep.opened, 1)
	return &fakeConn{ep: ep}, nil
}

type fakeConn struct {
	ep     *Endpoint
	closed bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return &fakeTx{}, nil
}

// Ping implements driver.Pinger so health_probe exercises a real round trip.
func (c *fakeConn) Ping(ctx context.Context) error {
	failing, latency, closed := c.ep.snapshot()
	if closed || c.closed {
		return driver.ErrBadConn
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return driver.ErrBadConn
	}
	atomic.AddInt64(&c.ep.pings, 1)
	return nil
}

type fakeTx struct{}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if failing, _, closed := s.conn.ep.snapshot(); failing || closed {
		return nil, driver.ErrBadConn
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if failing, _, closed := s.conn.ep.snapshot(); failing || closed {
		return nil, driver.ErrBadConn
	}
	return &fakeRows{cols: []string{"result"}, rows: [][]driver.Value{{int64(1)}}}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

// OpenDB is a convenience wrapper returning a *sql.DB against a freshly
// registered endpoint, analogous to sql.Open("postgres", dsn) in production.
func OpenDB(dsn string) (*sql.DB, *Endpoint, error) {
	ep := Register(dsn)
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	return db, ep, nil
}
