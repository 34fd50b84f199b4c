package metrics

import (
	"fmt"
	"strings"
)

// PrometheusExporter renders a Sink's current state in the Prometheus text
// exposition format. No prometheus/client_golang registry is involved; the
// format is produced by hand, matching the exposition text this module's
// teacher writes for its own database and HTTP metrics.
type PrometheusExporter struct {
	prefix string
}

// NewPrometheusExporter creates an exporter. An empty prefix defaults to
// "dbrouter_".
func NewPrometheusExporter(prefix string) *PrometheusExporter {
	if prefix == "" {
		prefix = "dbrouter_"
	}
	return &PrometheusExporter{prefix: prefix}
}

// Export renders the sink's performance summary and per-endpoint pool
// snapshots as Prometheus exposition text.
func (e *PrometheusExporter) Export(s *Sink) string {
	var b strings.Builder

	perf := s.Performance()
	b.WriteString(fmt.Sprintf("# HELP %squery_total Total queries recorded in the current window\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %squery_total counter\n", e.prefix))
	b.WriteString(fmt.Sprintf("%squery_total %d\n", e.prefix, perf.Total))

	b.WriteString(fmt.Sprintf("# HELP %squery_slow_total Queries at or above the slow threshold\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %squery_slow_total counter\n", e.prefix))
	b.WriteString(fmt.Sprintf("%squery_slow_total %d\n", e.prefix, perf.SlowCount))

	b.WriteString(fmt.Sprintf("# HELP %squery_error_rate Fraction of queries that failed in the current window\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %squery_error_rate gauge\n", e.prefix))
	b.WriteString(fmt.Sprintf("%squery_error_rate %f\n", e.prefix, perf.ErrorRate))

	b.WriteString(fmt.Sprintf("# HELP %squery_latency_avg_seconds Average query latency in the current window\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %squery_latency_avg_seconds gauge\n", e.prefix))
	b.WriteString(fmt.Sprintf("%squery_latency_avg_seconds %f\n", e.prefix, perf.AverageLatency.Seconds()))

	b.WriteString(fmt.Sprintf("# HELP %spool_utilization Active connections over pool size, aggregated across endpoints\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %spool_utilization gauge\n", e.prefix))
	b.WriteString(fmt.Sprintf("%spool_utilization %f\n", e.prefix, perf.Utilization))

	b.WriteString(fmt.Sprintf("# HELP %spool_active Active connections per endpoint\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %spool_active gauge\n", e.prefix))
	b.WriteString(fmt.Sprintf("# HELP %spool_idle Idle connections per endpoint\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %spool_idle gauge\n", e.prefix))
	b.WriteString(fmt.Sprintf("# HELP %spool_waiters Waiters currently queued per endpoint\n", e.prefix))
	b.WriteString(fmt.Sprintf("# TYPE %spool_waiters gauge\n", e.prefix))
	for endpointID, snap := range s.PoolSnapshots() {
		label := fmt.Sprintf(`{endpoint=%q}`, endpointID)
		b.WriteString(fmt.Sprintf("%spool_active%s %d\n", e.prefix, label, snap.Active))
		b.WriteString(fmt.Sprintf("%spool_idle%s %d\n", e.prefix, label, snap.Idle))
		b.WriteString(fmt.Sprintf("%spool_waiters%s %d\n", e.prefix, label, snap.Waiters))
	}

	return b.String()
}
