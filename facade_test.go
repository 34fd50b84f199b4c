package dbrouter

import (
	"context"
	"os"
	"testing"
	"time"

	"dbrouter/internal/config"
	"dbrouter/internal/dbtest"
	"dbrouter/internal/router"
)

func testConfig() config.Config {
	dbtest.Register("fake://primary")
	dbtest.Register("fake://replica-0")
	return config.Config{
		PrimaryURL: "fake://primary",
		Replicas:   []config.Endpoint{{URL: "fake://replica-0", Weight: 1}},
		Pool: config.Pool{
			MinSize: 1, MaxSize: 2,
			AcquireTimeout: time.Second, IdleTimeout: time.Hour,
			StatementTimeout: time.Second, ReapInterval: time.Hour,
		},
		Health: config.Health{
			CheckInterval: time.Hour, ProbeTimeout: time.Second, UnhealthyThreshold: 3,
		},
		Balancer: config.Balancer{Strategy: "round-robin"},
		Router:   config.Router{Consistency: "eventual", MaxStaleness: time.Second, FallbackToPrimary: true},
		Optimizer: config.Optimizer{
			Enabled: false,
		},
		Metrics:     config.Metrics{Window: time.Minute, SlowThreshold: 100 * time.Millisecond},
		RecentWrite: config.RecentWrite{Backend: "memory"},
	}
}

func TestInit_ExecRoutesReadsToReplica(t *testing.T) {
	f, err := Init(testConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer f.Shutdown(time.Second)

	res, err := f.Exec(context.Background(), "SELECT * FROM widgets", nil, router.Options{})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	defer res.Rows.Close()
	if res.Decision.Target != "replica" {
		t.Errorf("Decision.Target = %q, want replica", res.Decision.Target)
	}
}

func TestInit_ExecWriteGoesToPrimary(t *testing.T) {
	f, err := Init(testConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer f.Shutdown(time.Second)

	res, err := f.Exec(context.Background(), "INSERT INTO widgets (id) VALUES (1)", nil, router.Options{})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.Decision.Target != "primary" {
		t.Errorf("Decision.Target = %q, want primary", res.Decision.Target)
	}
}

func TestShutdown_RejectsSubsequentExec(t *testing.T) {
	f, err := Init(testConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := f.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, err = f.Exec(context.Background(), "SELECT 1", nil, router.Options{})
	if err == nil {
		t.Fatal("expected Exec after Shutdown to fail")
	}
}

func TestIntegration_LivePrimary(t *testing.T) {
	dsn := os.Getenv("DBROUTER_TEST_PRIMARY_DSN")
	if dsn == "" {
		t.Skip("DBROUTER_TEST_PRIMARY_DSN not set, skipping live-database test")
	}

	cfg := testConfig()
	cfg.PrimaryURL = dsn
	cfg.Replicas = nil

	f, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer f.Shutdown(time.Second)

	res, err := f.Exec(context.Background(), "SELECT 1", nil, router.Options{ForcePrimary: true})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	defer res.Rows.Close()
	if !res.Rows.Next() {
		t.Fatal("expected one row from SELECT 1")
	}
}

func TestStatsSnapshot_ReportsPerEndpoint(t *testing.T) {
	f, err := Init(testConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer f.Shutdown(time.Second)

	stats := f.StatsSnapshot()
	if len(stats.PoolStatsByEndpoint) != 2 {
		t.Errorf("len(PoolStatsByEndpoint) = %d, want 2", len(stats.PoolStatsByEndpoint))
	}
	if stats.LoadBalancerStats.Strategy != "round-robin" {
		t.Errorf("LoadBalancerStats.Strategy = %q, want round-robin", stats.LoadBalancerStats.Strategy)
	}
	if stats.LoadBalancerStats.TotalReplicas != 1 {
		t.Errorf("TotalReplicas = %d, want 1", stats.LoadBalancerStats.TotalReplicas)
	}
}
