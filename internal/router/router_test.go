package router

import (
	"context"
	"testing"
	"time"

	"dbrouter/internal/balancer"
	"dbrouter/internal/dbtest"
	"dbrouter/internal/errs"
	"dbrouter/internal/health"
	"dbrouter/internal/metrics"
	"dbrouter/internal/pool"
	"dbrouter/internal/registry"
)

type harness struct {
	router *Router
	reg    *registry.Registry
	pools  map[string]*pool.Pool
	eps    map[string]*dbtest.Endpoint
	hm     *health.Monitor
	writes RecentWriteStore
}

func poolConfig() pool.Config {
	return pool.Config{
		MinSize:          1,
		MaxSize:          2,
		AcquireTimeout:   time.Second,
		IdleTimeout:      time.Hour,
		StatementTimeout: time.Second,
		ReapInterval:     time.Hour,
	}
}

func newHarness(t *testing.T, replicaCount int) *harness {
	t.Helper()
	sink := metrics.New(metrics.Config{})

	reg, err := registry.New(registry.Config{
		PrimaryURL:  "fake://primary",
		ReplicaURLs: makeReplicaURLs(replicaCount),
	})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	pools := map[string]*pool.Pool{}
	eps := map[string]*dbtest.Endpoint{}
	probers := map[string]health.Prober{}

	for _, ep := range reg.All() {
		dsn := "fake://" + ep.ID
		fakeEP := dbtest.Register(dsn)
		fakeEP.SetFailing(false)
		p, err := pool.New(ep.ID, dbtest.DriverName, dsn, poolConfig(), sink)
		if err != nil {
			t.Fatalf("pool.New(%s) error = %v", ep.ID, err)
		}
		t.Cleanup(func() { p.Close(context.Background()) })
		pools[ep.ID] = p
		eps[ep.ID] = fakeEP
		probers[ep.ID] = p
	}

	hm := health.New(health.Config{UnhealthyThreshold: 1}, probers)
	writes := NewMemoryRecentWriteMap(time.Minute)

	r := New(reg, pools, balancer.NewRoundRobin(), hm, sink, writes, Config{FallbackToPrimary: true})

	return &harness{router: r, reg: reg, pools: pools, eps: eps, hm: hm, writes: writes}
}

func makeReplicaURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = "fake://replica-" + string(rune('a'+i))
	}
	return urls
}

func TestExecute_ReadDistributesAcrossHealthyReplicas(t *testing.T) {
	h := newHarness(t, 2)
	seen := map[string]bool{}

	for i := 0; i < 4; i++ {
		res, err := h.router.Execute(context.Background(), "SELECT * FROM users WHERE id = 1", nil, Options{})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if res.Decision.Target != "replica" {
			t.Fatalf("Decision.Target = %q, want replica", res.Decision.Target)
		}
		seen[res.Decision.EndpointID] = true
		res.Rows.Close()
	}
	if len(seen) != 2 {
		t.Errorf("saw %d distinct replicas, want 2: %v", len(seen), seen)
	}

	recent, _ := h.writes.RecentlyWritten(context.Background(), "users", time.Hour)
	if recent {
		t.Error("a read must not record a recent write")
	}
}

func TestExecute_ReadYourWrites(t *testing.T) {
	h := newHarness(t, 2)

	res, err := h.router.Execute(context.Background(), "INSERT INTO orders (id) VALUES (1)", nil, Options{})
	if err != nil {
		t.Fatalf("Execute(write) error = %v", err)
	}
	if res.Decision.Target != "primary" {
		t.Fatalf("write Decision.Target = %q, want primary", res.Decision.Target)
	}

	res, err = h.router.Execute(context.Background(), "SELECT * FROM orders WHERE id = 1", nil, Options{})
	if err != nil {
		t.Fatalf("Execute(read after write) error = %v", err)
	}
	if res.Decision.Target != "primary" || res.Decision.Reason != "recent write" {
		t.Fatalf("Decision = %+v, want primary/recent write", res.Decision)
	}
	res.Rows.Close()
}

func TestExecute_StrongConsistencyForcesPrimary(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.router.Execute(context.Background(), "SELECT * FROM accounts", nil, Options{Consistency: "strong"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Decision.Target != "primary" || res.Decision.Reason != "strong consistency" {
		t.Fatalf("Decision = %+v, want primary/strong consistency", res.Decision)
	}
	res.Rows.Close()
}

func TestExecute_ReplicaFailoverRetriesNextReplica(t *testing.T) {
	h := newHarness(t, 2)

	// Round-robin tries the first replica first, so that is the one to fail.
	failingID := h.reg.Replicas()[0].ID
	h.eps[failingID].SetFailing(true)

	res, err := h.router.Execute(context.Background(), "SELECT * FROM widgets", nil, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Decision.EndpointID == failingID {
		t.Fatalf("result came from the failing endpoint %s", failingID)
	}
	res.Rows.Close()

	status, ok := h.hm.Status(failingID)
	if !ok || status.ConsecutiveFailures == 0 {
		t.Fatalf("expected health monitor to record the failure, status = %+v", status)
	}
}

func TestExecute_AllReplicasDownFallsBackToPrimary(t *testing.T) {
	h := newHarness(t, 2)
	for id, ep := range h.eps {
		if id != h.reg.Primary().ID {
			ep.SetFailing(true)
		}
	}

	res, err := h.router.Execute(context.Background(), "SELECT * FROM widgets", nil, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Decision.Target != "primary" || res.Decision.Reason != "replica fallback" {
		t.Fatalf("Decision = %+v, want primary/replica fallback", res.Decision)
	}
	res.Rows.Close()
}

func TestExecute_ForceReplicaWithNoReplicasFailsFast(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.router.Execute(context.Background(), "SELECT * FROM widgets", nil, Options{ForceReplica: true})
	if err == nil {
		t.Fatal("expected an error with zero replicas and force_replica")
	}
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.KindNoReplicaAvail {
		t.Fatalf("KindOf(err) = %v, %v, want no_replica_available", kind, ok)
	}
}

func TestTransaction_BothStatementsOnSameConnectionUpdateWritesOnce(t *testing.T) {
	h := newHarness(t, 1)

	_, err := h.router.Transaction(context.Background(), func(tx TxQuerier) (any, error) {
		if _, err := tx.Exec(context.Background(), "INSERT INTO ledger (id) VALUES (1)"); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(context.Background(), "INSERT INTO ledger (id) VALUES (2)"); err != nil {
			return nil, err
		}
		rows, err := tx.Query(context.Background(), "SELECT * FROM audit_view")
		if err != nil {
			return nil, err
		}
		rows.Close()
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	recent, _ := h.writes.RecentlyWritten(context.Background(), "ledger", time.Hour)
	if !recent {
		t.Error("expected RecentWriteMap to reflect the committed transaction")
	}
	recent, _ = h.writes.RecentlyWritten(context.Background(), "audit_view", time.Hour)
	if recent {
		t.Error("a read inside the transaction must not count as a write")
	}

	snap := h.pools[h.reg.Primary().ID].Snapshot()
	if snap.Active != 0 {
		t.Errorf("Active = %d, want 0 (connection released exactly once)", snap.Active)
	}
}

func TestTransaction_RollbackOnError(t *testing.T) {
	h := newHarness(t, 1)

	_, err := h.router.Transaction(context.Background(), func(tx TxQuerier) (any, error) {
		if _, err := tx.Exec(context.Background(), "INSERT INTO ledger (id) VALUES (1)"); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	})
	if err == nil {
		t.Fatal("expected the transaction's error to propagate")
	}

	recent, _ := h.writes.RecentlyWritten(context.Background(), "ledger", time.Hour)
	if recent {
		t.Error("a rolled-back transaction must not update RecentWriteMap")
	}
}

func TestExecute_ReadHoldsConnectionUntilRowsClosed(t *testing.T) {
	h := newHarness(t, 0)

	res, err := h.router.Execute(context.Background(), "SELECT * FROM widgets", nil, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snap := h.pools[h.reg.Primary().ID].Snapshot()
	if snap.Active != 1 {
		t.Fatalf("Active = %d before Close, want 1 (connection pinned to open rows)", snap.Active)
	}

	res.Rows.Close()
	res.Rows.Close() // idempotent; must not double-release

	snap = h.pools[h.reg.Primary().ID].Snapshot()
	if snap.Active != 0 {
		t.Fatalf("Active = %d after Close, want 0", snap.Active)
	}
}

func TestMemoryRecentWriteMap_ExpiresAndPrunes(t *testing.T) {
	m := NewMemoryRecentWriteMap(time.Minute)
	m.RecordWrite(context.Background(), []string{"users"}, time.Now().Add(-time.Second))

	recent, err := m.RecentlyWritten(context.Background(), "users", 10*time.Second)
	if err != nil || !recent {
		t.Fatalf("RecentlyWritten within bound = %v, %v, want true", recent, err)
	}
	recent, _ = m.RecentlyWritten(context.Background(), "users", 500*time.Millisecond)
	if recent {
		t.Fatal("write older than max_staleness must not count as recent")
	}

	m.Prune(time.Millisecond)
	recent, _ = m.RecentlyWritten(context.Background(), "users", time.Hour)
	if recent {
		t.Fatal("pruned entry must be forgotten")
	}
}

func TestExecute_ForcePrimaryOverridesReadClassification(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.router.Execute(context.Background(), "SELECT * FROM widgets", nil, Options{ForcePrimary: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Decision.Target != "primary" || res.Decision.Reason != "forced primary" {
		t.Fatalf("Decision = %+v, want primary/forced primary", res.Decision)
	}
	res.Rows.Close()
}
