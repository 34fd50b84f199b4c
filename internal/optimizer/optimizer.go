// Package optimizer implements the Pool Optimizer: a background worker
// that periodically resizes each endpoint's pool up or down based on its
// observed utilization, the same ticker-driven monitor shape as the
// teacher's connection-pool tuning helpers, aimed at Resize instead of
// sql.DB's own setters.
package optimizer

import (
	"context"
	"log/slog"
	"time"

	"dbrouter/internal/logger"
	"dbrouter/internal/pool"
)

// Direction records which way a resize moved an endpoint's ceiling.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ResizeEvent describes one scaling decision, published through Handler.
type ResizeEvent struct {
	EndpointID  string
	Direction   Direction
	OldMax      int
	NewMax      int
	Utilization float64
}

// Handler receives resize events. The Metrics Sink satisfies this via a
// simple adapter closure at wiring time.
type Handler func(ResizeEvent)

// Config tunes the optimizer's cadence and thresholds, mirroring spec
// §6's optimizer defaults.
type Config struct {
	CheckInterval      time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpStep        int
	ScaleDownStep      int
	ConfiguredMin      int
	ConfiguredMax      int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = 0.3
	}
	if c.ScaleUpStep <= 0 {
		c.ScaleUpStep = 2
	}
	if c.ScaleDownStep <= 0 {
		c.ScaleDownStep = 1
	}
	if c.ConfiguredMin <= 0 {
		c.ConfiguredMin = 2
	}
	if c.ConfiguredMax <= 0 {
		c.ConfiguredMax = 25
	}
	return c
}

// Optimizer owns no pools; it holds references into the same map the
// Router was built from and adjusts their bounds in place.
type Optimizer struct {
	cfg      Config
	pools    map[string]*pool.Pool
	log      *slog.Logger
	handlers []Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Optimizer for the given endpoint id to Pool mapping.
func New(cfg Config, pools map[string]*pool.Pool) *Optimizer {
	return &Optimizer{
		cfg:    cfg.withDefaults(),
		pools:  pools,
		log:    logger.WithComponent("optimizer"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OnResize registers a handler invoked synchronously from the optimizer's
// own goroutine whenever a pool is resized; handlers must not block.
func (o *Optimizer) OnResize(h Handler) {
	o.handlers = append(o.handlers, h)
}

// Run starts the periodic tuning loop. It blocks until ctx is cancelled or
// Stop is called.
func (o *Optimizer) Run(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.tuneAll()
		}
	}
}

// Stop requests the tuning loop to exit and waits for it to do so.
func (o *Optimizer) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Optimizer) tuneAll() {
	for id, p := range o.pools {
		o.tuneOne(id, p)
	}
}

func (o *Optimizer) tuneOne(endpointID string, p *pool.Pool) {
	snap := p.Snapshot()
	if snap.Size == 0 {
		return
	}
	utilization := float64(snap.Active) / float64(snap.Size)
	min, max := p.Bounds()

	switch {
	case utilization >= o.cfg.ScaleUpThreshold && max < o.cfg.ConfiguredMax:
		newMax := max + o.cfg.ScaleUpStep
		if newMax > o.cfg.ConfiguredMax {
			newMax = o.cfg.ConfiguredMax
		}
		p.Resize(min, newMax)
		o.emit(ResizeEvent{EndpointID: endpointID, Direction: DirectionUp, OldMax: max, NewMax: newMax, Utilization: utilization})

	case utilization <= o.cfg.ScaleDownThreshold && max > o.cfg.ConfiguredMin:
		newMax := max - o.cfg.ScaleDownStep
		if newMax < o.cfg.ConfiguredMin {
			newMax = o.cfg.ConfiguredMin
		}
		p.Resize(min, newMax)
		o.emit(ResizeEvent{EndpointID: endpointID, Direction: DirectionDown, OldMax: max, NewMax: newMax, Utilization: utilization})
	}
}

func (o *Optimizer) emit(ev ResizeEvent) {
	o.log.Info("pool resized", "endpoint", ev.EndpointID, "direction", ev.Direction, "old_max", ev.OldMax, "new_max", ev.NewMax, "utilization", ev.Utilization)
	for _, h := range o.handlers {
		h(ev)
	}
}
