// Package config loads the closed configuration struct for dbrouter from
// environment variables. There is no dynamic property-bag or file-based
// configuration path on the hot path — every field is enumerated here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Endpoint describes one configured replica URL with its static attributes.
type Endpoint struct {
	URL    string
	Region string
	Weight int
}

// Pool holds the per-endpoint connection pool bounds.
type Pool struct {
	MinSize          int
	MaxSize          int
	AcquireTimeout   time.Duration
	IdleTimeout      time.Duration
	StatementTimeout time.Duration
	ReapInterval     time.Duration
}

// Health holds health monitor tunables.
type Health struct {
	CheckInterval      time.Duration
	ProbeTimeout       time.Duration
	UnhealthyThreshold int
}

// Balancer holds load balancer tunables.
type Balancer struct {
	Strategy   string
	UserRegion string
}

// Router holds router defaults.
type Router struct {
	Consistency       string
	MaxStaleness      time.Duration
	FallbackToPrimary bool
}

// Optimizer holds pool optimizer tunables.
type Optimizer struct {
	Enabled            bool
	CheckInterval      time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpStep        int
	ScaleDownStep      int
	ConfiguredMin      int
	ConfiguredMax      int
}

// Metrics holds metrics sink tunables. ExpositionAddr, when non-empty,
// enables the HTTP /metrics endpoint on that listen address.
type Metrics struct {
	Window         time.Duration
	SlowThreshold  time.Duration
	ExpositionAddr string
}

// RecentWrite holds the RecentWriteMap backing-store configuration.
type RecentWrite struct {
	Backend  string // "memory" (default) or "redis"
	RedisURL string
}

// Events holds the optional external event-mirror configuration.
type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Tracing holds the optional OpenTelemetry exporter configuration.
type Tracing struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// Config is the closed configuration struct for the whole router.
type Config struct {
	PrimaryURL  string
	Replicas    []Endpoint
	Pool        Pool
	Health      Health
	Balancer    Balancer
	Router      Router
	Optimizer   Optimizer
	Metrics     Metrics
	RecentWrite RecentWrite
	Events      Events
	Tracing     Tracing
}

// Load builds a Config from environment variables, applying the documented
// defaults from the external interfaces section of the specification.
func Load() (Config, error) {
	cfg := Config{
		PrimaryURL: getenv("DBROUTER_PRIMARY_URL", ""),
		Pool: Pool{
			MinSize:          getenvInt("DBROUTER_POOL_MIN_SIZE", 2),
			MaxSize:          getenvInt("DBROUTER_POOL_MAX_SIZE", 10),
			AcquireTimeout:   getenvDuration("DBROUTER_POOL_ACQUIRE_TIMEOUT", 10*time.Second),
			IdleTimeout:      getenvDuration("DBROUTER_POOL_IDLE_TIMEOUT", 5*time.Minute),
			StatementTimeout: getenvDuration("DBROUTER_POOL_STATEMENT_TIMEOUT", 30*time.Second),
			ReapInterval:     getenvDuration("DBROUTER_POOL_REAP_INTERVAL", 30*time.Second),
		},
		Health: Health{
			CheckInterval:      getenvDuration("DBROUTER_HEALTH_CHECK_INTERVAL", 30*time.Second),
			ProbeTimeout:       getenvDuration("DBROUTER_HEALTH_PROBE_TIMEOUT", 5*time.Second),
			UnhealthyThreshold: getenvInt("DBROUTER_HEALTH_UNHEALTHY_THRESHOLD", 3),
		},
		Balancer: Balancer{
			Strategy:   getenv("DBROUTER_BALANCER_STRATEGY", "adaptive"),
			UserRegion: getenv("DBROUTER_BALANCER_USER_REGION", ""),
		},
		Router: Router{
			Consistency:       getenv("DBROUTER_CONSISTENCY", "eventual"),
			MaxStaleness:      getenvDuration("DBROUTER_MAX_STALENESS", time.Second),
			FallbackToPrimary: getenvBool("DBROUTER_FALLBACK_TO_PRIMARY", true),
		},
		Optimizer: Optimizer{
			Enabled:            getenvBool("DBROUTER_OPTIMIZER_ENABLED", true),
			CheckInterval:      getenvDuration("DBROUTER_OPTIMIZER_CHECK_INTERVAL", 30*time.Second),
			ScaleUpThreshold:   getenvFloat("DBROUTER_OPTIMIZER_SCALE_UP_THRESHOLD", 0.8),
			ScaleDownThreshold: getenvFloat("DBROUTER_OPTIMIZER_SCALE_DOWN_THRESHOLD", 0.3),
			ScaleUpStep:        getenvInt("DBROUTER_OPTIMIZER_SCALE_UP_STEP", 2),
			ScaleDownStep:      getenvInt("DBROUTER_OPTIMIZER_SCALE_DOWN_STEP", 1),
			ConfiguredMin:      getenvInt("DBROUTER_OPTIMIZER_CONFIGURED_MIN", 2),
			ConfiguredMax:      getenvInt("DBROUTER_OPTIMIZER_CONFIGURED_MAX", 25),
		},
		Metrics: Metrics{
			Window:         getenvDuration("DBROUTER_METRICS_WINDOW", 5*time.Minute),
			SlowThreshold:  getenvDuration("DBROUTER_METRICS_SLOW_THRESHOLD", 100*time.Millisecond),
			ExpositionAddr: getenv("DBROUTER_METRICS_ADDR", ""),
		},
		RecentWrite: RecentWrite{
			Backend:  getenv("DBROUTER_RECENT_WRITE_BACKEND", "memory"),
			RedisURL: getenv("DBROUTER_RECENT_WRITE_REDIS_URL", "localhost:6379"),
		},
		Events: Events{
			KafkaBrokers: getenvList("DBROUTER_EVENTS_KAFKA_BROKERS", nil),
			KafkaTopic:   getenv("DBROUTER_EVENTS_KAFKA_TOPIC", "dbrouter.events"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("DBROUTER_TRACING_ENABLED", false),
			ServiceName: getenv("DBROUTER_TRACING_SERVICE_NAME", "dbrouter"),
			Endpoint:    getenv("DBROUTER_TRACING_ENDPOINT", "localhost:4317"),
		},
	}

	urls := getenvList("DBROUTER_REPLICA_URLS", nil)
	regions := getenvList("DBROUTER_REPLICA_REGIONS", nil)
	weights := getenvList("DBROUTER_REPLICA_WEIGHTS", nil)

	replicas := make([]Endpoint, 0, len(urls))
	for i, u := range urls {
		region := ""
		if i < len(regions) {
			region = regions[i]
		}
		weight := 1
		if i < len(weights) && weights[i] != "" {
			w, err := strconv.Atoi(weights[i])
			if err != nil || w <= 0 {
				return Config{}, fmt.Errorf("config_invalid: replica weight %q is not a positive integer", weights[i])
			}
			weight = w
		}
		replicas = append(replicas, Endpoint{URL: u, Region: region, Weight: weight})
	}
	cfg.Replicas = replicas

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would be config_invalid at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PrimaryURL) == "" {
		return fmt.Errorf("config_invalid: primary_url is required")
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("config_invalid: pool min_size/max_size out of range (%d/%d)", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Health.UnhealthyThreshold < 1 {
		return fmt.Errorf("config_invalid: health unhealthy_threshold must be >= 1")
	}
	for _, r := range c.Replicas {
		if r.Weight <= 0 {
			return fmt.Errorf("config_invalid: replica %q has non-positive weight %d", r.URL, r.Weight)
		}
	}
	switch c.Router.Consistency {
	case "strong", "eventual":
	default:
		return fmt.Errorf("config_invalid: unknown consistency %q", c.Router.Consistency)
	}
	return nil
}

// Snapshot renders the configuration as a plain map for diagnostics/admin output.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"primaryURL":    c.PrimaryURL,
		"replicaCount":  len(c.Replicas),
		"poolMinSize":   c.Pool.MinSize,
		"poolMaxSize":   c.Pool.MaxSize,
		"strategy":      c.Balancer.Strategy,
		"consistency":   c.Router.Consistency,
		"maxStaleness":  c.Router.MaxStaleness.String(),
		"optimizerOn":   c.Optimizer.Enabled,
		"recentWriteBE": c.RecentWrite.Backend,
		"tracingOn":     c.Tracing.Enabled,
	}
}

func getenv(k, fallback string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvFloat(k string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getenvBool(k string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvList(k string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
