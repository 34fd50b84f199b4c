package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range os.Environ() {
		if len(k) > 9 && k[:9] == "DBROUTER_" {
			name, _, _ := splitEnv(k)
			os.Unsetenv(name)
		}
	}
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

func TestLoad_RequiresPrimaryURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("expected config_invalid error when primary_url is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("DBROUTER_PRIMARY_URL", "postgres://localhost/test?sslmode=disable")
	t.Cleanup(func() { os.Unsetenv("DBROUTER_PRIMARY_URL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MinSize != 2 {
		t.Errorf("Pool.MinSize = %d, want 2", cfg.Pool.MinSize)
	}
	if cfg.Pool.MaxSize != 10 {
		t.Errorf("Pool.MaxSize = %d, want 10", cfg.Pool.MaxSize)
	}
	if cfg.Pool.AcquireTimeout != 10*time.Second {
		t.Errorf("Pool.AcquireTimeout = %v, want 10s", cfg.Pool.AcquireTimeout)
	}
	if cfg.Health.UnhealthyThreshold != 3 {
		t.Errorf("Health.UnhealthyThreshold = %d, want 3", cfg.Health.UnhealthyThreshold)
	}
	if cfg.Balancer.Strategy != "adaptive" {
		t.Errorf("Balancer.Strategy = %q, want adaptive", cfg.Balancer.Strategy)
	}
	if cfg.Router.Consistency != "eventual" {
		t.Errorf("Router.Consistency = %q, want eventual", cfg.Router.Consistency)
	}
	if !cfg.Router.FallbackToPrimary {
		t.Error("Router.FallbackToPrimary should default to true")
	}
	if len(cfg.Replicas) != 0 {
		t.Errorf("expected no replicas by default, got %d", len(cfg.Replicas))
	}
}

func TestLoad_Replicas(t *testing.T) {
	clearEnv(t)
	os.Setenv("DBROUTER_PRIMARY_URL", "postgres://localhost/primary")
	os.Setenv("DBROUTER_REPLICA_URLS", "postgres://r1,postgres://r2")
	os.Setenv("DBROUTER_REPLICA_REGIONS", "us,eu")
	os.Setenv("DBROUTER_REPLICA_WEIGHTS", "3,")
	t.Cleanup(func() {
		os.Unsetenv("DBROUTER_PRIMARY_URL")
		os.Unsetenv("DBROUTER_REPLICA_URLS")
		os.Unsetenv("DBROUTER_REPLICA_REGIONS")
		os.Unsetenv("DBROUTER_REPLICA_WEIGHTS")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Replicas) != 2 {
		t.Fatalf("expected 2 replicas, got %d", len(cfg.Replicas))
	}
	if cfg.Replicas[0].Weight != 3 {
		t.Errorf("replica[0].Weight = %d, want 3", cfg.Replicas[0].Weight)
	}
	if cfg.Replicas[1].Weight != 1 {
		t.Errorf("replica[1].Weight = %d, want 1 (default)", cfg.Replicas[1].Weight)
	}
	if cfg.Replicas[1].Region != "eu" {
		t.Errorf("replica[1].Region = %q, want eu", cfg.Replicas[1].Region)
	}
}

func TestValidate_RejectsNonPositiveWeight(t *testing.T) {
	cfg := Config{
		PrimaryURL: "postgres://localhost/primary",
		Pool:       Pool{MinSize: 2, MaxSize: 10},
		Health:     Health{UnhealthyThreshold: 3},
		Router:     Router{Consistency: "eventual"},
		Replicas:   []Endpoint{{URL: "postgres://r1", Weight: 0}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-positive weight")
	}
}

func TestValidate_RejectsBadConsistency(t *testing.T) {
	cfg := Config{
		PrimaryURL: "postgres://localhost/primary",
		Pool:       Pool{MinSize: 2, MaxSize: 10},
		Health:     Health{UnhealthyThreshold: 3},
		Router:     Router{Consistency: "serializable"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown consistency")
	}
}

func TestSnapshot(t *testing.T) {
	cfg := Config{PrimaryURL: "postgres://localhost/primary", Balancer: Balancer{Strategy: "round-robin"}}
	snap := cfg.Snapshot()
	if snap["primaryURL"] != cfg.PrimaryURL {
		t.Errorf("Snapshot()[primaryURL] = %v, want %v", snap["primaryURL"], cfg.PrimaryURL)
	}
}
