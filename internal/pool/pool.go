// Package pool implements the EndpointPool: a bounded pool of live
// connections to one endpoint, with strict acquire/release discipline,
// FIFO waiter fairness, an idle reaper, and EWMA latency tracking.
//
// The pool is layered on top of database/sql: each Connection wraps one
// checked-out *sql.Conn, but the pool itself — not database/sql — owns the
// idle set, the active count, and the wait queue, because database/sql does
// not expose FIFO fairness, double-release detection, or the pressure
// snapshots the rest of the system depends on.
package pool

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbrouter/internal/errs"
	"dbrouter/internal/logger"
	"dbrouter/internal/tracing"
)

// Sink receives query outcomes and pool snapshots. The Metrics Sink
// implements this; the pool holds no other reference to it.
type Sink interface {
	RecordQuery(m QueryMetric)
	RecordPoolSnapshot(endpointID string, snap Snapshot)
}

// QueryMetric mirrors the data model's QueryMetric record.
type QueryMetric struct {
	Statement  string
	EndpointID string
	Duration   time.Duration
	Success    bool
	RowCount   int64
	HasRows    bool
	ErrorCode  string
	Timestamp  time.Time
}

// Snapshot is the latest per-endpoint pool totals pushed to the Metrics Sink.
type Snapshot struct {
	EndpointID   string
	Size         int
	Active       int
	Idle         int
	Waiters      int
	RequestCount int64
	ErrorCount   int64
	EWMALatency  time.Duration
}

// Config bounds and timeouts for one pool.
type Config struct {
	MinSize          int
	MaxSize          int
	AcquireTimeout   time.Duration
	IdleTimeout      time.Duration
	StatementTimeout time.Duration
	ReapInterval     time.Duration
}

// Connection is one live channel to the endpoint, on loan to exactly one
// caller between Acquire and Release.
type Connection struct {
	ID         string
	EndpointID string
	CreatedAt  time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	queryCount int64
	active     bool
	released   bool
	raw        *sql.Conn
}

// LastUsedAt returns the last time this connection completed a statement.
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// QueryCount returns the cumulative number of statements run on this connection.
func (c *Connection) QueryCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryCount
}

type waiter struct {
	ch      chan *Connection
	errCh   chan error
	enqueue time.Time
}

// Pool is a bounded, FIFO-fair pool of Connections to one endpoint.
type Pool struct {
	EndpointID string

	db  *sql.DB
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	idle    []*Connection
	waiters []*waiter
	size    int
	active  int
	closed  bool

	requestCount int64
	errorCount   int64
	ewmaLatency  time.Duration

	sink Sink

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New opens the underlying *sql.DB against driverName/dsn and returns a Pool
// bounded by cfg. The database/sql connection limit is set to cfg.MaxSize so
// that database/sql itself never silently queues beyond what this pool
// believes is its ceiling.
func New(endpointID, driverName, dsn string, cfg Config, sink Sink) (*Pool, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errs.New(errs.KindConnectionCreate, err).WithEndpoint(endpointID)
	}
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxSize)

	p := &Pool{
		EndpointID: endpointID,
		db:         db,
		cfg:        cfg,
		log:        logger.WithEndpoint(endpointID),
		sink:       sink,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		conn, err := p.createLocked(context.Background())
		if err != nil {
			p.db.Close()
			return nil, err
		}
		p.idle = append(p.idle, conn)
	}

	go p.reapLoop()
	return p, nil
}

func (p *Pool) createLocked(ctx context.Context) (*Connection, error) {
	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, errs.New(errs.KindConnectionCreate, err).WithEndpoint(p.EndpointID)
	}
	now := time.Now()
	conn := &Connection{
		ID:         uuid.NewString(),
		EndpointID: p.EndpointID,
		CreatedAt:  now,
		lastUsedAt: now,
		raw:        raw,
	}
	p.size++
	return conn, nil
}

// Acquire hands out an idle Connection, creates one if under max_size, or
// waits FIFO for one to become available until ctx is done or the pool's
// AcquireTimeout elapses, whichever comes first.
func (p *Pool) Acquire(ctx context.Context) (conn *Connection, err error) {
	ctx, span := tracing.StartAcquireSpan(ctx, p.EndpointID)
	defer func() {
		tracing.RecordOutcome(span, p.EndpointID, err)
		span.End()
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.KindPoolClosed, nil).WithEndpoint(p.EndpointID)
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.mu.Lock()
		conn.active = true
		conn.released = false
		conn.mu.Unlock()
		p.active++
		p.mu.Unlock()
		return conn, nil
	}

	if p.size < p.cfg.MaxSize {
		conn, err := p.createLocked(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		conn.mu.Lock()
		conn.active = true
		conn.mu.Unlock()
		p.active++
		p.mu.Unlock()
		return conn, nil
	}

	w := &waiter{ch: make(chan *Connection, 1), errCh: make(chan error, 1), enqueue: time.Now()}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	select {
	case conn := <-w.ch:
		return conn, nil
	case err := <-w.errCh:
		return nil, err
	case <-ctx.Done():
		p.removeWaiter(w)
		select {
		case conn := <-w.ch:
			// Release raced the cancellation and already handed this waiter
			// a connection; put it back so it is not stranded.
			p.Release(conn)
		default:
		}
		kind := errs.KindAcquireTimeout
		if ctx.Err() == context.Canceled {
			kind = errs.KindAcquireCancelled
		}
		return nil, errs.New(kind, ctx.Err()).WithEndpoint(p.EndpointID)
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a Connection to the pool, handing it directly to the head
// waiter if one is queued. Calling Release twice on the same acquisition is
// an illegal_release programming error: it is reported and the process
// aborts, per the documented error taxonomy for usage bugs.
func (p *Pool) Release(conn *Connection) {
	conn.mu.Lock()
	if conn.released {
		conn.mu.Unlock()
		err := errs.New(errs.KindIllegalRelease, nil).WithEndpoint(p.EndpointID)
		p.log.Error("double release detected, aborting", "connection", conn.ID)
		panic(err)
	}
	conn.released = true
	conn.active = false
	conn.lastUsedAt = time.Now()
	conn.mu.Unlock()

	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()

		conn.mu.Lock()
		conn.active = true
		conn.released = false
		conn.mu.Unlock()

		w.ch <- conn
		return
	}
	p.active--
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// recordOutcome updates the rolling counters and pushes a QueryMetric to the
// sink. It is called by Query and Exec after every statement.
func (p *Pool) recordOutcome(conn *Connection, statement string, d time.Duration, success bool, rows int64, hasRows bool, errCode string) {
	p.mu.Lock()
	p.requestCount++
	if !success {
		p.errorCount++
	}
	const alpha = 0.3
	if p.ewmaLatency == 0 {
		p.ewmaLatency = d
	} else {
		p.ewmaLatency = time.Duration((1-alpha)*float64(p.ewmaLatency) + alpha*float64(d))
	}
	p.mu.Unlock()

	conn.mu.Lock()
	conn.queryCount++
	conn.mu.Unlock()

	if p.sink != nil {
		p.sink.RecordQuery(QueryMetric{
			Statement:  statement,
			EndpointID: p.EndpointID,
			Duration:   d,
			Success:    success,
			RowCount:   rows,
			HasRows:    hasRows,
			ErrorCode:  errCode,
			Timestamp:  time.Now(),
		})
	}
}

// Query runs a read statement on conn, recording the outcome.
func (p *Pool) Query(ctx context.Context, conn *Connection, statement string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := conn.raw.QueryContext(ctx, statement, args...)
	d := time.Since(start)
	if err != nil {
		p.recordOutcome(conn, statement, d, false, 0, false, classifyErrCode(err))
		return nil, errs.New(errs.KindQueryFailed, err).WithEndpoint(p.EndpointID)
	}
	p.recordOutcome(conn, statement, d, true, 0, true, "")
	return rows, nil
}

// Exec runs a write/ddl/tx-control statement on conn, recording the outcome.
func (p *Pool) Exec(ctx context.Context, conn *Connection, statement string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := conn.raw.ExecContext(ctx, statement, args...)
	d := time.Since(start)
	if err != nil {
		p.recordOutcome(conn, statement, d, false, 0, false, classifyErrCode(err))
		return nil, errs.New(errs.KindQueryFailed, err).WithEndpoint(p.EndpointID)
	}
	rows, _ := res.RowsAffected()
	p.recordOutcome(conn, statement, d, true, rows, false, "")
	return res, nil
}

// HealthProbe takes an idle connection, or creates one if under max_size
// (bypassing the wait queue), and pings it, reporting success or failure to
// the caller (the Health Monitor).
func (p *Pool) HealthProbe(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New(errs.KindPoolClosed, nil).WithEndpoint(p.EndpointID)
	}
	var conn *Connection
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else if p.size < p.cfg.MaxSize {
		c, err := p.createLocked(ctx)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		conn = c
	}
	p.mu.Unlock()

	if conn == nil {
		return errs.New(errs.KindAcquireTimeout, nil).WithEndpoint(p.EndpointID)
	}

	err := conn.raw.PingContext(ctx)

	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()

	return err
}

// Resize adjusts the pool's bounds. Shrinking is lazy: the idle reaper
// drains excess idle connections down toward the new minimum over time.
// Growing is opportunistic: future acquirers may create connections up to
// the new maximum.
func (p *Pool) Resize(newMin, newMax int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MinSize = newMin
	p.cfg.MaxSize = newMax
	p.db.SetMaxOpenConns(newMax)
	p.db.SetMaxIdleConns(newMax)
}

// Bounds returns the pool's current min/max size.
func (p *Pool) Bounds() (min, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MinSize, p.cfg.MaxSize
}

// Snapshot returns the current pool totals for metrics/optimizer consumption.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		EndpointID:   p.EndpointID,
		Size:         p.size,
		Active:       p.active,
		Idle:         len(p.idle),
		Waiters:      len(p.waiters),
		RequestCount: p.requestCount,
		ErrorCount:   p.errorCount,
		EWMALatency:  p.ewmaLatency,
	}
}

// Close stops accepting new acquirers, fails queued waiters with pool_closed,
// closes idle connections, waits until active connections are released or
// ctx is done, then closes the underlying *sql.DB.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		w.errCh <- errs.New(errs.KindPoolClosed, nil).WithEndpoint(p.EndpointID)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	for _, c := range idle {
		c.raw.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break drain
		}
	}
	return p.db.Close()
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapOnce()
			if p.sink != nil {
				p.sink.RecordPoolSnapshot(p.EndpointID, p.Snapshot())
			}
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := time.Now()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.size > p.cfg.MinSize && now.Sub(c.LastUsedAt()) > p.cfg.IdleTimeout {
			c.raw.Close()
			p.size--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
}

func classifyErrCode(err error) string {
	if err == nil {
		return ""
	}
	return "driver_error"
}
