package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Exposition serves the Sink's current state to scrape-based collectors
// over HTTP, alongside a handful of process-level gauges the Sink's rolling
// window does not carry (uptime, scrape count).
type Exposition struct {
	sink     *Sink
	exporter *PrometheusExporter

	startTime time.Time
	scrapes   int64
}

// NewExposition creates the HTTP exposition surface for a Sink.
func NewExposition(sink *Sink) *Exposition {
	return &Exposition{
		sink:      sink,
		exporter:  NewPrometheusExporter(""),
		startTime: time.Now(),
	}
}

// Render returns the full exposition text: the sink's query and pool
// metrics followed by the process gauges.
func (e *Exposition) Render() string {
	atomic.AddInt64(&e.scrapes, 1)

	out := e.exporter.Export(e.sink)
	out += fmt.Sprintf("dbrouter_uptime_seconds %.2f\n", time.Since(e.startTime).Seconds())
	out += fmt.Sprintf("dbrouter_metrics_scrapes_total %d\n", atomic.LoadInt64(&e.scrapes))
	return out
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (e *Exposition) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(e.Render()))
	}
}
