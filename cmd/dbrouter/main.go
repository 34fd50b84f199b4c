// Command dbrouter runs the read-write-splitting query router as a
// standalone process: serve starts it and blocks until signalled, health
// and stats are one-shot diagnostics against a running instance's
// configuration.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dbrouter"
	"dbrouter/internal/config"
	"dbrouter/internal/logger"
	"dbrouter/internal/router"
	"dbrouter/internal/tracing"
)

var shutdownDeadline time.Duration

func main() {
	root := &cobra.Command{
		Use:   "dbrouter",
		Short: "Read-write-splitting query router",
	}
	root.PersistentFlags().DurationVar(&shutdownDeadline, "shutdown-deadline", 30*time.Second, "time allowed for in-flight requests to drain on shutdown")

	root.AddCommand(serveCmd(), healthCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router and block until a termination signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(logger.FromEnv())
			log := logger.WithComponent("cmd")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if cfg.Tracing.Enabled {
				tp, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
				if err != nil {
					log.Warn("tracing disabled: failed to init exporter", "error", err)
				} else {
					defer tp.Shutdown(context.Background())
				}
			}

			f, err := dbrouter.Init(cfg)
			if err != nil {
				return fmt.Errorf("initializing router: %w", err)
			}
			log.Info("router started", "primary", cfg.PrimaryURL, "replicas", len(cfg.Replicas), "strategy", cfg.Balancer.Strategy)

			var metricsSrv *http.Server
			if cfg.Metrics.ExpositionAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/metrics", f.MetricsHandler())
				metricsSrv = &http.Server{Addr: cfg.Metrics.ExpositionAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics endpoint stopped", "error", err)
					}
				}()
				log.Info("metrics endpoint listening", "addr", cfg.Metrics.ExpositionAddr)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info("shutting down", "deadline", shutdownDeadline)
			if metricsSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
				metricsSrv.Shutdown(ctx)
				cancel()
			}
			return f.Shutdown(shutdownDeadline)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run SELECT 1 once against the primary and report ok or unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			f, err := dbrouter.Init(cfg)
			if err != nil {
				return fmt.Errorf("initializing router: %w", err)
			}
			defer f.Shutdown(5 * time.Second)

			res, err := f.Exec(context.Background(), "SELECT 1", nil, router.Options{ForcePrimary: true})
			if err != nil {
				fmt.Fprintf(os.Stderr, "primary unreachable: %v\n", err)
				os.Exit(1)
			}
			res.Rows.Close()
			fmt.Println("ok")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the current pool, router and load balancer stats as key=value lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			f, err := dbrouter.Init(cfg)
			if err != nil {
				return fmt.Errorf("initializing router: %w", err)
			}
			defer f.Shutdown(5 * time.Second)

			stats := f.StatsSnapshot()
			fmt.Printf("load_balancer: strategy=%s healthy=%d/%d\n",
				stats.LoadBalancerStats.Strategy, stats.LoadBalancerStats.HealthyReplicas, stats.LoadBalancerStats.TotalReplicas)
			fmt.Printf("router: executed=%d primary=%d replica=%d retries=%d fallbacks=%d\n",
				stats.RouterStats.Executed, stats.RouterStats.PrimaryRouted, stats.RouterStats.ReplicaRouted,
				stats.RouterStats.Retries, stats.RouterStats.Fallbacks)
			for id, snap := range stats.PoolStatsByEndpoint {
				fmt.Printf("pool[%s]: size=%d active=%d idle=%d waiters=%d ewma_latency=%s\n",
					id, snap.Size, snap.Active, snap.Idle, snap.Waiters, snap.EWMALatency)
			}
			return nil
		},
	}
}
