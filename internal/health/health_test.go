package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProber struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeProber) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeProber) HealthProbe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("probe failed")
	}
	return nil
}

func TestUpdateStatus_HysteresisDownAndUp(t *testing.T) {
	p := &fakeProber{}
	m := New(Config{UnhealthyThreshold: 3}, map[string]Prober{"ep": p})

	if !m.IsHealthy("ep") {
		t.Fatal("expected endpoint to start healthy")
	}

	p.setFail(true)
	m.runChecks(context.Background())
	m.runChecks(context.Background())
	if !m.IsHealthy("ep") {
		t.Fatal("expected endpoint to remain healthy below threshold")
	}
	m.runChecks(context.Background())
	if m.IsHealthy("ep") {
		t.Fatal("expected endpoint to become unhealthy at threshold")
	}

	p.setFail(false)
	m.runChecks(context.Background())
	if !m.IsHealthy("ep") {
		t.Fatal("expected endpoint to recover after a single success")
	}
}

func TestOnEvent_FiresOnTransitions(t *testing.T) {
	p := &fakeProber{}
	m := New(Config{UnhealthyThreshold: 1}, map[string]Prober{"ep": p})

	var failedEvents, recoveredEvents int32
	m.OnEvent(func(kind, endpointID string) {
		switch kind {
		case "endpoint_failed":
			atomic.AddInt32(&failedEvents, 1)
		case "endpoint_recovered":
			atomic.AddInt32(&recoveredEvents, 1)
		}
	})

	p.setFail(true)
	m.runChecks(context.Background())
	if atomic.LoadInt32(&failedEvents) != 1 {
		t.Fatalf("failedEvents = %d, want 1", failedEvents)
	}

	p.setFail(false)
	m.runChecks(context.Background())
	if atomic.LoadInt32(&recoveredEvents) != 1 {
		t.Fatalf("recoveredEvents = %d, want 1", recoveredEvents)
	}
}

func TestRun_StopsCleanly(t *testing.T) {
	p := &fakeProber{}
	m := New(Config{CheckInterval: 5 * time.Millisecond, UnhealthyThreshold: 1}, map[string]Prober{"ep": p})

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
