// Package logger owns the process-wide structured logger for the query
// router. Subsystems pull scoped children from it so every line carries the
// component and endpoint fields operators filter on, and the level can be
// raised to debug at runtime while chasing a misrouted query without
// restarting the process.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config selects the handler the process logs through.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json (default) or text
	Output    string // stdout (default) or stderr
	AddSource bool   // include source file/line
}

// FromEnv reads the logger configuration from the DBROUTER_LOG_* variables.
func FromEnv() Config {
	return Config{
		Level:     envOr("DBROUTER_LOG_LEVEL", "info"),
		Format:    envOr("DBROUTER_LOG_FORMAT", "json"),
		Output:    envOr("DBROUTER_LOG_OUTPUT", "stdout"),
		AddSource: envOr("DBROUTER_LOG_SOURCE", "false") == "true",
	}
}

var (
	mu    sync.Mutex
	level slog.LevelVar
	root  *slog.Logger
)

// Init builds the root logger from cfg and installs it as slog's default.
// Later calls rebuild the handler, so a process can switch format or output
// and tests never need to reach into package state.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLocked(cfg)
}

func initLocked(cfg Config) {
	level.Set(parseLevel(cfg.Level))
	root = slog.New(newHandler(cfg))
	slog.SetDefault(root)
}

// Get returns the root logger, building one from the environment on first use.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		initLocked(FromEnv())
	}
	return root
}

// SetLevel adjusts the process log level at runtime. All loggers handed out
// earlier share the same level var, so the change applies everywhere at once.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

func newHandler(cfg Config) slog.Handler {
	out := io.Writer(os.Stdout)
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: &level, AddSource: cfg.AddSource}
	if cfg.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent scopes a logger to one subsystem (router, pool, optimizer).
func WithComponent(name string) *slog.Logger {
	return Get().With("component", name)
}

// WithEndpoint scopes a logger to one endpoint's pool, so a single replica's
// connection churn can be grepped apart from the primary's.
func WithEndpoint(endpointID string) *slog.Logger {
	return Get().With("endpoint", endpointID)
}

// DecisionGroup renders a routing decision as one nested attribute, keeping
// fallback and retry log lines queryable by target and reason.
func DecisionGroup(target, reason, endpointID string) slog.Attr {
	return slog.Group("decision",
		slog.String("target", target),
		slog.String("reason", reason),
		slog.String("endpoint", endpointID),
	)
}

// Warn logs through the root logger.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs through the root logger, appending the cause when present.
func Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	Get().Error(msg, args...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
