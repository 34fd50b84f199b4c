// Package dbrouter is the Query Facade (spec §4.9): the thin
// entry point applications call instead of reaching into the router,
// pools, or load balancer directly. Init wires every component from a
// config.Config; Shutdown drains and closes everything in reverse order.
package dbrouter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"dbrouter/internal/balancer"
	"dbrouter/internal/config"
	"dbrouter/internal/errs"
	"dbrouter/internal/health"
	"dbrouter/internal/metrics"
	"dbrouter/internal/optimizer"
	"dbrouter/internal/pool"
	"dbrouter/internal/registry"
	"dbrouter/internal/router"
)

// Stats is the combined operational snapshot: per-endpoint pool totals,
// router-level routing counters, and the load balancer's current view.
type Stats struct {
	PoolStatsByEndpoint map[string]pool.Snapshot
	RouterStats         router.Stats
	LoadBalancerStats   BalancerStats
}

// BalancerStats describes the load balancer's strategy and how many
// replicas it currently considers healthy.
type BalancerStats struct {
	Strategy        string
	HealthyReplicas int
	TotalReplicas   int
}

// Facade owns every component's lifecycle for one configured router.
type Facade struct {
	cfg   config.Config
	reg   *registry.Registry
	pools map[string]*pool.Pool
	lb    balancer.Strategy
	hm    *health.Monitor
	sink  *metrics.Sink
	opt   *optimizer.Optimizer
	rt    *router.Router

	kafka      *metrics.KafkaMirror
	exposition *metrics.Exposition

	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.RWMutex
	accepting bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Init builds every component named in the configuration, starts the
// background workers (Health Monitor, Pool Optimizer, one idle reaper per
// pool — the reaper starts inside pool.New), and returns a ready Facade.
func Init(cfg config.Config) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := metrics.New(metrics.Config{Window: cfg.Metrics.Window, SlowThreshold: cfg.Metrics.SlowThreshold})

	var kafkaMirror *metrics.KafkaMirror
	if len(cfg.Events.KafkaBrokers) > 0 {
		km, err := metrics.NewKafkaMirror(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("config_invalid: kafka mirror: %w", err)
		}
		sink.SetMirror(km)
		kafkaMirror = km
	}

	regCfg := registry.Config{PrimaryURL: cfg.PrimaryURL}
	for _, r := range cfg.Replicas {
		regCfg.ReplicaURLs = append(regCfg.ReplicaURLs, r.URL)
		regCfg.ReplicaRegions = append(regCfg.ReplicaRegions, r.Region)
		regCfg.ReplicaWeights = append(regCfg.ReplicaWeights, r.Weight)
	}
	reg, err := registry.New(regCfg)
	if err != nil {
		return nil, err
	}

	poolCfg := pool.Config{
		MinSize:          cfg.Pool.MinSize,
		MaxSize:          cfg.Pool.MaxSize,
		AcquireTimeout:   cfg.Pool.AcquireTimeout,
		IdleTimeout:      cfg.Pool.IdleTimeout,
		StatementTimeout: cfg.Pool.StatementTimeout,
		ReapInterval:     cfg.Pool.ReapInterval,
	}

	pools := map[string]*pool.Pool{}
	probers := map[string]health.Prober{}
	for _, ep := range reg.All() {
		p, err := pool.New(ep.ID, driverFor(ep.URL), ep.URL, poolCfg, sink)
		if err != nil {
			closePools(pools)
			return nil, err
		}
		pools[ep.ID] = p
		probers[ep.ID] = p
	}

	hm := health.New(health.Config{
		CheckInterval:      cfg.Health.CheckInterval,
		ProbeTimeout:       cfg.Health.ProbeTimeout,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
	}, probers)
	hm.OnEvent(func(eventKind, endpointID string) {
		status, _ := hm.Status(endpointID)
		sink.Publish(eventKind, status)
	})

	var writes router.RecentWriteStore
	if cfg.RecentWrite.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RecentWrite.RedisURL})
		writes = router.NewTieredRecentWriteMap(
			router.NewMemoryRecentWriteMap(cfg.Router.MaxStaleness),
			router.NewRedisRecentWriteMap(client, "", cfg.Router.MaxStaleness),
		)
	} else {
		writes = router.NewMemoryRecentWriteMap(cfg.Router.MaxStaleness)
	}

	lb := balancer.ByName(cfg.Balancer.Strategy)

	rt := router.New(reg, pools, lb, hm, sink, writes, router.Config{
		Consistency:       cfg.Router.Consistency,
		MaxStaleness:      cfg.Router.MaxStaleness,
		FallbackToPrimary: cfg.Router.FallbackToPrimary,
	})

	f := &Facade{
		cfg: cfg, reg: reg, pools: pools, lb: lb, hm: hm, sink: sink, rt: rt,
		kafka:      kafkaMirror,
		exposition: metrics.NewExposition(sink),
		accepting:  true,
	}

	f.runCtx, f.runCancel = context.WithCancel(context.Background())
	go hm.Run(f.runCtx)

	if cfg.Optimizer.Enabled {
		opt := optimizer.New(optimizer.Config{
			CheckInterval:      cfg.Optimizer.CheckInterval,
			ScaleUpThreshold:   cfg.Optimizer.ScaleUpThreshold,
			ScaleDownThreshold: cfg.Optimizer.ScaleDownThreshold,
			ScaleUpStep:        cfg.Optimizer.ScaleUpStep,
			ScaleDownStep:      cfg.Optimizer.ScaleDownStep,
			ConfiguredMin:      cfg.Optimizer.ConfiguredMin,
			ConfiguredMax:      cfg.Optimizer.ConfiguredMax,
		}, pools)
		opt.OnResize(func(ev optimizer.ResizeEvent) {
			sink.Publish(metrics.EventPoolResize, ev)
		})
		f.opt = opt
		go opt.Run(f.runCtx)
	}

	return f, nil
}

func driverFor(dsn string) string {
	// Endpoint URLs carry their own scheme; production deployments use
	// postgres URLs, tests substitute dbrouter/internal/dbtest's fake
	// driver registered under its own DSN scheme.
	if len(dsn) >= 7 && dsn[:7] == "sqlite:" {
		return "sqlite3"
	}
	if len(dsn) >= 7 && dsn[:7] == "fake://" {
		return "dbtest"
	}
	return "postgres"
}

func closePools(pools map[string]*pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pools {
		p.Close(ctx)
	}
}

// Exec runs a single statement through the Router.
func (f *Facade) Exec(ctx context.Context, statement string, args []any, opts router.Options) (*router.Result, error) {
	if !f.isAccepting() {
		return nil, errs.New(errs.KindPoolClosed, nil)
	}
	return f.rt.Execute(ctx, statement, args, opts)
}

// Stream runs a read statement and returns a lazy, forward-only, non-
// restartable row sequence. The borrowed connection is returned to its pool
// when Close is called. If the request's context ends first, database/sql
// closes the underlying cursor, but the connection stays checked out of its
// pool until Close is called.
func (f *Facade) Stream(ctx context.Context, statement string, args []any, opts router.Options) (*router.Rows, error) {
	res, err := f.Exec(ctx, statement, args, opts)
	if err != nil {
		return nil, err
	}
	if res.Rows == nil {
		return nil, errs.New(errs.KindStatementError, fmt.Errorf("stream: statement did not produce a row set")).WithEndpoint(res.Decision.EndpointID)
	}
	return res.Rows, nil
}

// Transaction runs fn against a single primary connection.
func (f *Facade) Transaction(ctx context.Context, fn func(router.TxQuerier) (any, error)) (any, error) {
	if !f.isAccepting() {
		return nil, errs.New(errs.KindPoolClosed, nil)
	}
	return f.rt.Transaction(ctx, fn)
}

// StatsSnapshot returns the combined pool/router/load-balancer stats.
func (f *Facade) StatsSnapshot() Stats {
	healthy := 0
	replicas := f.reg.Replicas()
	for _, ep := range replicas {
		if f.hm.IsHealthy(ep.ID) {
			healthy++
		}
	}
	return Stats{
		PoolStatsByEndpoint: f.rt.PoolSnapshots(),
		RouterStats:         f.rt.Stats(),
		LoadBalancerStats: BalancerStats{
			Strategy:        f.lb.Name(),
			HealthyReplicas: healthy,
			TotalReplicas:   len(replicas),
		},
	}
}

// MetricsHandler exposes the Metrics Sink in Prometheus text format for an
// operator-mounted /metrics endpoint.
func (f *Facade) MetricsHandler() http.HandlerFunc {
	return f.exposition.Handler()
}

func (f *Facade) isAccepting() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.accepting
}

// Shutdown stops accepting new requests, lets in-flight work finish until
// deadline, then closes every pool and background worker in reverse order
// of Init. Safe to call more than once; later calls return the first result.
func (f *Facade) Shutdown(deadline time.Duration) error {
	f.shutdownOnce.Do(func() {
		f.mu.Lock()
		f.accepting = false
		f.mu.Unlock()

		f.rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()

		if f.opt != nil {
			f.opt.Stop()
		}
		f.hm.Stop()
		f.runCancel()

		for _, p := range f.pools {
			if err := p.Close(ctx); err != nil && f.shutdownErr == nil {
				f.shutdownErr = err
			}
		}

		if f.kafka != nil {
			f.kafka.Close()
		}
	})
	return f.shutdownErr
}
