// Package metrics implements the Metrics Sink: the single concurrency-safe
// aggregation point for query outcomes and pool snapshots, plus a
// non-blocking event bus for slow_query, query_error, high_utilization, and
// saturation notifications.
package metrics

import (
	"sort"
	"sync"
	"time"

	"dbrouter/internal/classifier"
	"dbrouter/internal/logger"
	"dbrouter/internal/pool"
)

// Event kinds published on the bus. The first five originate inside the
// Sink itself; the rest are forwarded into it by the Health Monitor, Pool
// Optimizer, and Router via Publish so that every observable event flows
// through one place.
const (
	EventSlowQuery         = "slow_query"
	EventQueryError        = "query_error"
	EventHighUtilization   = "high_utilization"
	EventSaturation        = "saturation"
	EventQueryExecuted     = "query_executed"
	EventEndpointFailed    = "endpoint_failed"
	EventEndpointRecovered = "endpoint_recovered"
	EventPoolResize        = "pool_resize"
	EventRoutingDecision   = "routing_decision"
)

// Handler is a subscriber callback. It must not block; Sink calls it
// synchronously from whichever goroutine is recording the metric.
type Handler func(eventKind string, payload any)

// Config tunes retention and slowness thresholds.
type Config struct {
	Window        time.Duration
	SlowThreshold time.Duration
}

type record struct {
	metric pool.QueryMetric
	at     time.Time
}

type patternAgg struct {
	count        int64
	totalLatency time.Duration
	errors       int64
}

// Performance is the aggregate computed over the current window.
type Performance struct {
	AverageLatency time.Duration
	SlowCount      int64
	Total          int64
	ErrorRate      float64
	Utilization    float64
}

// PatternStats is one query-shape's aggregate stats.
type PatternStats struct {
	Count       int64
	AvgDuration time.Duration
	Errors      int64
}

// Sink aggregates query outcomes and pool snapshots. It implements
// pool.Sink so any *pool.Pool can report directly into it.
type Sink struct {
	cfg Config

	mu                 sync.Mutex
	records            []record
	byEndpointSnapshot map[string]pool.Snapshot

	handlersMu sync.Mutex
	handlers   map[string][]Handler

	mirror Mirror
}

// Mirror forwards sink events to an external bus (e.g. Kafka). Optional;
// a nil Mirror means events stay purely in-process.
type Mirror interface {
	Publish(eventKind string, payload any)
}

// New constructs a Sink. A zero Config falls back to the spec defaults
// (5 minute window, 100ms slow threshold).
func New(cfg Config) *Sink {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 100 * time.Millisecond
	}
	return &Sink{
		cfg:                cfg,
		byEndpointSnapshot: make(map[string]pool.Snapshot),
		handlers:           make(map[string][]Handler),
	}
}

// SetMirror attaches an external event mirror (optional).
func (s *Sink) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// Subscribe registers a non-blocking handler for an event kind.
func (s *Sink) Subscribe(eventKind string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[eventKind] = append(s.handlers[eventKind], h)
}

func (s *Sink) publish(eventKind string, payload any) {
	s.handlersMu.Lock()
	handlers := append([]Handler(nil), s.handlers[eventKind]...)
	s.handlersMu.Unlock()

	for i, h := range handlers {
		s.safeCall(eventKind, i, h, payload)
	}

	s.mu.Lock()
	mirror := s.mirror
	s.mu.Unlock()
	if mirror != nil {
		mirror.Publish(eventKind, payload)
	}
}

// safeCall invokes a handler, unsubscribing it if it panics — "handlers
// that throw are logged and unsubscribed" per spec.
func (s *Sink) safeCall(eventKind string, idx int, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("metrics handler panicked, unsubscribing", nil, "event", eventKind, "panic", r)
			s.unsubscribeAt(eventKind, idx)
		}
	}()
	h(eventKind, payload)
}

func (s *Sink) unsubscribeAt(eventKind string, idx int) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	hs := s.handlers[eventKind]
	if idx < 0 || idx >= len(hs) {
		return
	}
	s.handlers[eventKind] = append(hs[:idx], hs[idx+1:]...)
}

// RecordQuery appends a query outcome to the rolling window and publishes
// slow_query/query_error as appropriate. O(1) amortized: pruning happens on
// the same call.
func (s *Sink) RecordQuery(m pool.QueryMetric) {
	now := time.Now()
	s.mu.Lock()
	s.records = append(s.records, record{metric: m, at: now})
	s.prune(now)
	s.mu.Unlock()

	s.publish(EventQueryExecuted, m)
	if m.Duration >= s.cfg.SlowThreshold {
		s.publish(EventSlowQuery, m)
	}
	if !m.Success {
		s.publish(EventQueryError, m)
	}
}

// Publish forwards an externally originated event (health transition, pool
// resize, sampled routing decision) to subscribers and the mirror. It never
// touches the rolling window.
func (s *Sink) Publish(eventKind string, payload any) {
	s.publish(eventKind, payload)
}

// RecordPoolSnapshot stores the latest per-endpoint pool snapshot and
// publishes high_utilization/saturation as appropriate.
func (s *Sink) RecordPoolSnapshot(endpointID string, snap pool.Snapshot) {
	s.mu.Lock()
	s.byEndpointSnapshot[endpointID] = snap
	s.mu.Unlock()

	if snap.Size > 0 && float64(snap.Active)/float64(snap.Size) >= 0.8 {
		s.publish(EventHighUtilization, snap)
	}
	if snap.Waiters > 0 {
		s.publish(EventSaturation, snap)
	}
}

// prune drops records older than the configured window. Must be called
// with s.mu held.
func (s *Sink) prune(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for i < len(s.records) && s.records[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.records = s.records[i:]
	}
}

// Performance computes {average_latency, slow_count, total, error_rate,
// utilization} over the current window.
func (s *Sink) Performance() Performance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())

	var total, slow, errs int64
	var sumLatency time.Duration
	for _, r := range s.records {
		total++
		sumLatency += r.metric.Duration
		if r.metric.Duration >= s.cfg.SlowThreshold {
			slow++
		}
		if !r.metric.Success {
			errs++
		}
	}

	var avgLatency time.Duration
	var errRate float64
	if total > 0 {
		avgLatency = sumLatency / time.Duration(total)
		errRate = float64(errs) / float64(total)
	}

	var activeSum, sizeSum int
	for _, snap := range s.byEndpointSnapshot {
		activeSum += snap.Active
		sizeSum += snap.Size
	}
	var utilization float64
	if sizeSum > 0 {
		utilization = float64(activeSum) / float64(sizeSum)
	}

	return Performance{
		AverageLatency: avgLatency,
		SlowCount:      slow,
		Total:          total,
		ErrorRate:      errRate,
		Utilization:    utilization,
	}
}

// SlowQueries returns the top-N slowest query metrics within the window.
func (s *Sink) SlowQueries(limit int) []pool.QueryMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())

	sorted := make([]pool.QueryMetric, len(s.records))
	for i, r := range s.records {
		sorted[i] = r.metric
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Duration > sorted[j].Duration })
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted
}

// ByPattern aggregates query-shape statistics using classifier.Normalize to
// collapse literal values into a single placeholder.
func (s *Sink) ByPattern() map[string]PatternStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())

	agg := make(map[string]*patternAgg)
	for _, r := range s.records {
		pattern := classifier.Normalize(r.metric.Statement)
		a, ok := agg[pattern]
		if !ok {
			a = &patternAgg{}
			agg[pattern] = a
		}
		a.count++
		a.totalLatency += r.metric.Duration
		if !r.metric.Success {
			a.errors++
		}
	}

	out := make(map[string]PatternStats, len(agg))
	for pattern, a := range agg {
		var avg time.Duration
		if a.count > 0 {
			avg = a.totalLatency / time.Duration(a.count)
		}
		out[pattern] = PatternStats{Count: a.count, AvgDuration: avg, Errors: a.errors}
	}
	return out
}

// PoolSnapshots returns the latest snapshot stored for every endpoint.
func (s *Sink) PoolSnapshots() map[string]pool.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]pool.Snapshot, len(s.byEndpointSnapshot))
	for k, v := range s.byEndpointSnapshot {
		out[k] = v
	}
	return out
}
