package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/cocoon-run/cocoon/compile"
	"github.com/cocoon-run/cocoon/internal/monitoring"
	"github.com/cocoon-run/cocoon/sandbox"
)

// Engine-wide limit defaults. Run options override them per execution.
const (
	DefaultTimeout               = 2 * time.Second
	DefaultMemoryLimit           = int64(64 << 20)
	DefaultCallBudget            = 1000
	DefaultSuspensionIdleTimeout = 5 * time.Minute
)

// Option configures a single execution.
type Option func(*runConfig)

type runConfig struct {
	timeout     time.Duration
	memoryLimit int64
	callBudget  int
}

// WithTimeout caps the execution's active interpreter time, summed across
// all of its run slices. Time spent suspended is governed by the engine's
// suspension idle timeout instead.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithMemoryLimit caps the execution's heap growth in bytes. Zero disables
// the heap watchdog; the call stack bound still applies.
func WithMemoryLimit(bytes int64) Option {
	return func(c *runConfig) {
		c.memoryLimit = bytes
	}
}

// WithCallBudget caps the number of host calls the execution may make.
// Denied calls and console calls count against the budget too. Zero means
// unlimited.
func WithCallBudget(n int) Option {
	return func(c *runConfig) {
		c.callBudget = n
	}
}

// EngineOption configures an Engine at creation time.
type EngineOption func(*engineConfig)

type engineConfig struct {
	poolSize      int
	maxCallStack  int
	cacheCapacity int
	idleTimeout   time.Duration
	limits        runConfig
	logger        *zap.Logger
	metrics       *monitoring.Metrics
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		poolSize:      sandbox.DefaultPoolSize,
		maxCallStack:  sandbox.DefaultMaxCallStack,
		cacheCapacity: compile.DefaultCapacity,
		idleTimeout:   DefaultSuspensionIdleTimeout,
		limits: runConfig{
			timeout:     DefaultTimeout,
			memoryLimit: DefaultMemoryLimit,
			callBudget:  DefaultCallBudget,
		},
	}
}

// WithPoolSize bounds the number of sandbox instances the engine may hold.
func WithPoolSize(n int) EngineOption {
	return func(c *engineConfig) {
		c.poolSize = n
	}
}

// WithMaxCallStack bounds interpreter call stack depth per instance.
// Overflow terminates the execution with a memory-limit error.
func WithMaxCallStack(n int) EngineOption {
	return func(c *engineConfig) {
		c.maxCallStack = n
	}
}

// WithCacheCapacity bounds the number of compiled handlers the cache
// retains before evicting the least recently used.
func WithCacheCapacity(n int) EngineOption {
	return func(c *engineConfig) {
		c.cacheCapacity = n
	}
}

// WithDefaultTimeout sets the engine-wide default for WithTimeout.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.limits.timeout = d
	}
}

// WithDefaultMemoryLimit sets the engine-wide default for WithMemoryLimit.
func WithDefaultMemoryLimit(bytes int64) EngineOption {
	return func(c *engineConfig) {
		c.limits.memoryLimit = bytes
	}
}

// WithDefaultCallBudget sets the engine-wide default for WithCallBudget.
func WithDefaultCallBudget(n int) EngineOption {
	return func(c *engineConfig) {
		c.limits.callBudget = n
	}
}

// WithSuspensionIdleTimeout sets how long a suspension may wait for Resume
// before the engine reclaims its instance and discards the suspension.
// Zero disables reclamation.
func WithSuspensionIdleTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.idleTimeout = d
	}
}

// WithLogger routes engine diagnostics to the given logger. The default
// discards everything.
func WithLogger(l *zap.Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = l
	}
}

// WithMetrics shares a metrics collector between engines. By default each
// engine creates its own collector and registry.
func WithMetrics(m *monitoring.Metrics) EngineOption {
	return func(c *engineConfig) {
		c.metrics = m
	}
}
