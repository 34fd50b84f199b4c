// Package router implements the Router: the decision engine that classifies
// a statement, picks a target endpoint, executes it with transient-failure
// retry across replicas, and maintains the RecentWriteMap that powers
// read-your-writes consistency.
package router

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dbrouter/internal/balancer"
	"dbrouter/internal/classifier"
	"dbrouter/internal/errs"
	"dbrouter/internal/health"
	"dbrouter/internal/logger"
	"dbrouter/internal/metrics"
	"dbrouter/internal/pool"
	"dbrouter/internal/registry"
	"dbrouter/internal/tracing"
)

// Options carries the per-request routing hints spec §4.7 enumerates.
type Options struct {
	ForcePrimary    bool
	ForceReplica    bool
	Consistency     string // "strong" | "eventual"; empty means use the router default
	MaxStaleness    time.Duration
	PreferredRegion string
	RoutingKey      string
}

// Decision is the RoutingDecision record emitted to the Metrics Sink and
// returned to the caller for diagnostics.
type Decision struct {
	Target     string // "primary" | "replica"
	EndpointID string
	Reason     string
	Strategy   string
	Retry      bool
}

// Config carries the router-wide defaults from §6.
type Config struct {
	Consistency       string
	MaxStaleness      time.Duration
	FallbackToPrimary bool
}

// Result is the outcome of Execute: exactly one of Rows or ExecResult is
// set, mirroring database/sql's own Query/Exec split.
type Result struct {
	Rows       *Rows
	ExecResult sql.Result
	Decision   Decision
	Class      classifier.QueryClass
}

// Rows is a *sql.Rows whose Close also returns the borrowed connection to
// its pool. A read's connection stays pinned until the caller finishes
// iterating; Close is idempotent, so the pool never sees a double release.
type Rows struct {
	*sql.Rows

	releaseOnce sync.Once
	p           *pool.Pool
	conn        *pool.Connection
}

// Close drains the cursor and releases the underlying connection.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.releaseOnce.Do(func() { r.p.Release(r.conn) })
	return err
}

// Stats are the router-level counters exposed through the Facade's stats().
type Stats struct {
	Executed      int64
	PrimaryRouted int64
	ReplicaRouted int64
	Retries       int64
	Fallbacks     int64
}

// Router is the brain. It holds non-owning references to the Registry,
// LoadBalancer, HealthMonitor, and Metrics Sink; none of those hold a
// back-reference to the Router, so events flow only through the sink.
type Router struct {
	reg    *registry.Registry
	pools  map[string]*pool.Pool // includes the primary, keyed by Endpoint.ID
	lb     balancer.Strategy
	hm     *health.Monitor
	sink   *metrics.Sink
	writes RecentWriteStore
	cfg    Config
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool

	executed      int64
	primaryRouted int64
	replicaRouted int64
	retries       int64
	fallbacks     int64
	decisionSeq   uint64
}

// decisionSampleRate publishes one routing_decision event per this many
// executions, keeping the event bus cheap at high query rates.
const decisionSampleRate = 128

// New constructs a Router. pools must contain an entry for the primary and
// every replica in reg.
func New(reg *registry.Registry, pools map[string]*pool.Pool, lb balancer.Strategy, hm *health.Monitor, sink *metrics.Sink, writes RecentWriteStore, cfg Config) *Router {
	if cfg.Consistency == "" {
		cfg.Consistency = "eventual"
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = time.Second
	}
	return &Router{reg: reg, pools: pools, lb: lb, hm: hm, sink: sink, writes: writes, cfg: cfg, log: logger.WithComponent("router")}
}

// Plan computes the RoutingDecision for a statement without executing it,
// implementing the first-rule-wins algorithm of spec §4.7.
func (r *Router) Plan(ctx context.Context, statement string, opts Options) (Decision, classifier.QueryClass, error) {
	class := classifier.Classify(statement)
	consistency := opts.Consistency
	if consistency == "" {
		consistency = r.cfg.Consistency
	}

	if opts.ForcePrimary {
		return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "forced primary"}, class, nil
	}

	if class.Kind != classifier.KindRead {
		return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "non-read statement"}, class, nil
	}

	if opts.ForceReplica {
		d, err := r.selectReplica(ctx, opts, nil)
		if err != nil {
			return Decision{}, class, errs.New(errs.KindNoReplicaAvail, err)
		}
		d.Reason = "forced replica"
		return d, class, nil
	}

	if !r.anyHealthyReplica() {
		return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "no healthy replica"}, class, nil
	}

	if consistency == "strong" {
		return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "strong consistency"}, class, nil
	}

	maxStaleness := opts.MaxStaleness
	if maxStaleness <= 0 {
		maxStaleness = r.cfg.MaxStaleness
	}
	for _, rel := range class.Relations {
		recent, err := r.writes.RecentlyWritten(ctx, rel, maxStaleness)
		if err == nil && recent {
			return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "recent write"}, class, nil
		}
	}

	d, err := r.selectReplica(ctx, opts, nil)
	if err != nil {
		// Healthy set changed between anyHealthyReplica() and here; fall
		// back to primary rather than fail a plan-only call.
		return Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "no healthy replica"}, class, nil
	}
	d.Reason = "eventual-consistency read"
	return d, class, nil
}

func (r *Router) anyHealthyReplica() bool {
	for _, ep := range r.reg.Replicas() {
		if r.hm.IsHealthy(ep.ID) {
			return true
		}
	}
	return false
}

// selectReplica builds the current candidate snapshot (excluding any
// endpoint id in excluded) and asks the Load Balancer to pick one.
func (r *Router) selectReplica(_ context.Context, opts Options, excluded map[string]bool) (Decision, error) {
	candidates := make([]balancer.Candidate, 0, len(r.reg.Replicas()))
	for _, ep := range r.reg.Replicas() {
		if excluded[ep.ID] {
			continue
		}
		p := r.pools[ep.ID]
		snap := p.Snapshot()
		candidates = append(candidates, balancer.Candidate{
			EndpointID:   ep.ID,
			Region:       ep.Region,
			Weight:       ep.Weight,
			Healthy:      r.hm.IsHealthy(ep.ID),
			RequestCount: snap.RequestCount,
			EWMALatency:  int64(snap.EWMALatency),
		})
	}

	chosen, err := r.lb.Select(candidates, balancer.SelectOptions{
		PreferredRegion: opts.PreferredRegion,
		RoutingKey:      opts.RoutingKey,
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{Target: "replica", EndpointID: chosen.EndpointID, Strategy: r.lb.Name()}, nil
}

// Execute plans and runs a statement, retrying across replicas on transient
// failure and falling back to primary once every healthy replica has been
// tried, per spec §4.7's Execution algorithm.
func (r *Router) Execute(ctx context.Context, statement string, args []any, opts Options) (*Result, error) {
	if r.isClosed() {
		return nil, errs.New(errs.KindPoolClosed, nil)
	}

	decision, class, err := r.Plan(ctx, statement, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartExecuteSpan(ctx, decision.Target)
	defer span.End()

	atomic.AddInt64(&r.executed, 1)
	if seq := atomic.AddUint64(&r.decisionSeq, 1); r.sink != nil && seq%decisionSampleRate == 1 {
		r.sink.Publish(metrics.EventRoutingDecision, SampledDecision{RequestID: uuid.NewString(), Decision: decision})
	}

	var res *Result
	if decision.Target == "primary" {
		atomic.AddInt64(&r.primaryRouted, 1)
		res, err = r.runOnPrimary(ctx, statement, args, class, decision)
	} else {
		atomic.AddInt64(&r.replicaRouted, 1)
		res, err = r.runOnReplicaWithRetry(ctx, statement, args, class, opts, decision)
	}
	endpointID := decision.EndpointID
	if res != nil {
		endpointID = res.Decision.EndpointID
	}
	tracing.RecordOutcome(span, endpointID, err)
	return res, annotate(err, decision)
}

// annotate stamps the routing decision onto an outgoing RouterError so
// upstream observability can tell root cause without re-planning.
func annotate(err error, decision Decision) error {
	if err == nil {
		return nil
	}
	var re *errs.RouterError
	if errors.As(err, &re) {
		if re.EndpointID == "" {
			re.EndpointID = decision.EndpointID
		}
		if re.Reason == "" {
			re.Reason = decision.Reason
		}
		if decision.Retry {
			re.Retry = true
		}
	}
	return err
}

// SampledDecision is the routing_decision event payload.
type SampledDecision struct {
	RequestID string
	Decision  Decision
}

func (r *Router) runOnPrimary(ctx context.Context, statement string, args []any, class classifier.QueryClass, decision Decision) (*Result, error) {
	p := r.pools[r.reg.Primary().ID]
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	res, err := r.runOnConn(ctx, p, conn, statement, args, class)
	if err != nil {
		p.Release(conn)
		return nil, err
	}
	if res.Rows == nil {
		// Exec results carry no open cursor; reads keep the connection
		// pinned until the caller closes res.Rows.
		p.Release(conn)
	}
	if class.Kind != classifier.KindRead {
		if werr := r.writes.RecordWrite(ctx, class.Relations, time.Now()); werr != nil {
			r.log.Warn("failed to record recent write", "error", werr)
		}
	}
	res.Decision = decision
	res.Class = class
	return res, nil
}

func (r *Router) runOnReplicaWithRetry(ctx context.Context, statement string, args []any, class classifier.QueryClass, opts Options, first Decision) (*Result, error) {
	excluded := map[string]bool{}
	decision := first
	attempted := false

	for {
		if attempted {
			next, err := r.selectReplica(ctx, opts, excluded)
			if err != nil {
				break
			}
			decision = next
			decision.Reason = first.Reason
			decision.Retry = true
			atomic.AddInt64(&r.retries, 1)
		}
		attempted = true

		p := r.pools[decision.EndpointID]
		conn, err := p.Acquire(ctx)
		if err == nil {
			var res *Result
			res, err = r.runOnConn(ctx, p, conn, statement, args, class)
			if err == nil {
				if res.Rows == nil {
					p.Release(conn)
				}
				r.hm.ReportSuccess(decision.EndpointID)
				res.Decision = decision
				res.Class = class
				return res, nil
			}
			p.Release(conn)
		}

		if !isTransient(err) {
			return nil, annotate(err, decision)
		}
		r.hm.ReportFailure(decision.EndpointID, err)
		excluded[decision.EndpointID] = true
	}

	if opts.ForceReplica {
		return nil, errs.New(errs.KindNoReplicaAvail, nil)
	}
	if !r.cfg.FallbackToPrimary {
		return nil, errs.New(errs.KindEndpointTransient, nil).WithReason("all replicas exhausted")
	}

	atomic.AddInt64(&r.fallbacks, 1)
	fallback := Decision{Target: "primary", EndpointID: r.reg.Primary().ID, Reason: "replica fallback"}
	r.log.Warn("all replicas exhausted", logger.DecisionGroup(fallback.Target, fallback.Reason, fallback.EndpointID))
	return r.runOnPrimary(ctx, statement, args, class, fallback)
}

func (r *Router) runOnConn(ctx context.Context, p *pool.Pool, conn *pool.Connection, statement string, args []any, class classifier.QueryClass) (*Result, error) {
	if class.Kind == classifier.KindRead {
		rows, err := p.Query(ctx, conn, statement, args...)
		if err != nil {
			return nil, err
		}
		return &Result{Rows: &Rows{Rows: rows, p: p, conn: conn}}, nil
	}
	res, err := p.Exec(ctx, conn, statement, args...)
	if err != nil {
		return nil, err
	}
	return &Result{ExecResult: res}, nil
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close marks the router as no longer accepting new requests. The pools
// themselves are closed by the owning Facade, not by the Router.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// isTransient classifies a query/acquire error as eligible for retry across
// replicas: a dead connection (driver.ErrBadConn, the stdlib's own signal
// that a fresh connection should be tried), a network timeout, a deadline
// exceeded while waiting on the driver, a failure to open a connection, or
// an acquire timeout.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if kind, ok := errs.KindOf(err); ok {
		return kind == errs.KindConnectionCreate || kind == errs.KindAcquireTimeout
	}
	return false
}

// TxQuerier is the limited handle a Transaction callback gets: every
// statement runs on the one connection the transaction pinned to primary.
type TxQuerier interface {
	Query(ctx context.Context, statement string, args ...any) (*sql.Rows, error)
	Exec(ctx context.Context, statement string, args ...any) (sql.Result, error)
}

type txHandle struct {
	p    *pool.Pool
	conn *pool.Connection
	rels map[string]bool
}

func (h *txHandle) Query(ctx context.Context, statement string, args ...any) (*sql.Rows, error) {
	h.track(statement)
	return h.p.Query(ctx, h.conn, statement, args...)
}

func (h *txHandle) Exec(ctx context.Context, statement string, args ...any) (sql.Result, error) {
	h.track(statement)
	return h.p.Exec(ctx, h.conn, statement, args...)
}

func (h *txHandle) track(statement string) {
	class := classifier.Classify(statement)
	if class.Kind == classifier.KindRead {
		return
	}
	for _, rel := range class.Relations {
		h.rels[rel] = true
	}
}

// Transaction always targets primary, per spec §4.7: a multi-statement unit
// of work pins one connection for its whole life so every statement in fn
// observes its own earlier writes, then commits or rolls back as a single
// decision. The connection is released on every exit path, including a
// panic unwinding through fn, and the RecentWriteMap is only updated after
// a successful commit so a rolled-back transaction never pollutes it.
func (r *Router) Transaction(ctx context.Context, fn func(TxQuerier) (any, error)) (any, error) {
	if r.isClosed() {
		return nil, errs.New(errs.KindPoolClosed, nil)
	}

	p := r.pools[r.reg.Primary().ID]
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)

	if _, err := p.Exec(ctx, conn, "BEGIN"); err != nil {
		return nil, err
	}

	h := &txHandle{p: p, conn: conn, rels: map[string]bool{}}

	result, fnErr := func() (result any, fnErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				p.Exec(ctx, conn, "ROLLBACK")
				panic(rec)
			}
		}()
		return fn(h)
	}()

	if fnErr != nil {
		if _, rbErr := p.Exec(ctx, conn, "ROLLBACK"); rbErr != nil {
			r.log.Warn("rollback failed", "error", rbErr)
		}
		return nil, fnErr
	}

	if _, err := p.Exec(ctx, conn, "COMMIT"); err != nil {
		return nil, err
	}

	if len(h.rels) > 0 {
		rels := make([]string, 0, len(h.rels))
		for rel := range h.rels {
			rels = append(rels, rel)
		}
		if werr := r.writes.RecordWrite(ctx, rels, time.Now()); werr != nil {
			r.log.Warn("failed to record recent write after commit", "error", werr)
		}
	}

	return result, nil
}

// Stats reports the router-level counters the Facade exposes under the
// router_stats key of its combined stats() call.
func (r *Router) Stats() Stats {
	return Stats{
		Executed:      atomic.LoadInt64(&r.executed),
		PrimaryRouted: atomic.LoadInt64(&r.primaryRouted),
		ReplicaRouted: atomic.LoadInt64(&r.replicaRouted),
		Retries:       atomic.LoadInt64(&r.retries),
		Fallbacks:     atomic.LoadInt64(&r.fallbacks),
	}
}

// PoolSnapshots reports the per-endpoint pool totals.
func (r *Router) PoolSnapshots() map[string]pool.Snapshot {
	out := make(map[string]pool.Snapshot, len(r.pools))
	for id, p := range r.pools {
		out[id] = p.Snapshot()
	}
	return out
}
