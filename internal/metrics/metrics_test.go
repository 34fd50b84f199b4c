package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"dbrouter/internal/pool"
)

func TestRecordQuery_PublishesSlowAndError(t *testing.T) {
	s := New(Config{Window: time.Minute, SlowThreshold: 10 * time.Millisecond})

	var slowCount, errCount int32
	s.Subscribe(EventSlowQuery, func(kind string, payload any) { atomic.AddInt32(&slowCount, 1) })
	s.Subscribe(EventQueryError, func(kind string, payload any) { atomic.AddInt32(&errCount, 1) })

	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: 20 * time.Millisecond, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: time.Millisecond, Success: false})

	if atomic.LoadInt32(&slowCount) != 1 {
		t.Errorf("slowCount = %d, want 1", slowCount)
	}
	if atomic.LoadInt32(&errCount) != 1 {
		t.Errorf("errCount = %d, want 1", errCount)
	}
}

func TestPerformance_Aggregates(t *testing.T) {
	s := New(Config{Window: time.Minute, SlowThreshold: time.Second})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: 10 * time.Millisecond, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: 30 * time.Millisecond, Success: false})

	perf := s.Performance()
	if perf.Total != 2 {
		t.Errorf("Total = %d, want 2", perf.Total)
	}
	if perf.ErrorRate != 0.5 {
		t.Errorf("ErrorRate = %f, want 0.5", perf.ErrorRate)
	}
	wantAvg := 20 * time.Millisecond
	if perf.AverageLatency != wantAvg {
		t.Errorf("AverageLatency = %v, want %v", perf.AverageLatency, wantAvg)
	}
}

func TestRecordPoolSnapshot_PublishesPressureEvents(t *testing.T) {
	s := New(Config{})
	var highUtil, saturation int32
	s.Subscribe(EventHighUtilization, func(kind string, payload any) { atomic.AddInt32(&highUtil, 1) })
	s.Subscribe(EventSaturation, func(kind string, payload any) { atomic.AddInt32(&saturation, 1) })

	s.RecordPoolSnapshot("ep-1", pool.Snapshot{Size: 10, Active: 9, Waiters: 2})

	if atomic.LoadInt32(&highUtil) != 1 {
		t.Errorf("highUtil = %d, want 1", highUtil)
	}
	if atomic.LoadInt32(&saturation) != 1 {
		t.Errorf("saturation = %d, want 1", saturation)
	}
}

func TestByPattern_CollapsesLiterals(t *testing.T) {
	s := New(Config{Window: time.Minute})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT * FROM users WHERE id = 1", Duration: time.Millisecond, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT * FROM users WHERE id = 2", Duration: time.Millisecond, Success: true})

	patterns := s.ByPattern()
	if len(patterns) != 1 {
		t.Fatalf("len(patterns) = %d, want 1 (literals collapsed)", len(patterns))
	}
	for _, stats := range patterns {
		if stats.Count != 2 {
			t.Errorf("Count = %d, want 2", stats.Count)
		}
	}
}

func TestSlowQueries_SortedDescending(t *testing.T) {
	s := New(Config{Window: time.Minute})
	s.RecordQuery(pool.QueryMetric{Statement: "a", Duration: 5 * time.Millisecond, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "b", Duration: 50 * time.Millisecond, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "c", Duration: 20 * time.Millisecond, Success: true})

	top := s.SlowQueries(2)
	if len(top) != 2 {
		t.Fatalf("len(top) = %d, want 2", len(top))
	}
	if top[0].Statement != "b" || top[1].Statement != "c" {
		t.Errorf("top = %+v, want [b, c]", top)
	}
}

func TestSubscribe_PanickingHandlerIsUnsubscribed(t *testing.T) {
	s := New(Config{Window: time.Minute})
	calls := 0
	s.Subscribe(EventSlowQuery, func(kind string, payload any) {
		calls++
		panic("boom")
	})

	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: time.Second, Success: true})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: time.Second, Success: true})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (handler should be unsubscribed after panic)", calls)
	}
}

func TestWindow_PrunesOldRecords(t *testing.T) {
	s := New(Config{Window: 10 * time.Millisecond, SlowThreshold: time.Hour})
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: time.Millisecond, Success: true})

	time.Sleep(20 * time.Millisecond)
	s.RecordQuery(pool.QueryMetric{Statement: "SELECT 1", Duration: time.Millisecond, Success: true})

	perf := s.Performance()
	if perf.Total != 1 {
		t.Errorf("Total = %d, want 1 (old record should have been pruned)", perf.Total)
	}
}
