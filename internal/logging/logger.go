// Package logging provides categorized structured logging for turnforge.
// Each subsystem logs through a named zap logger; categories can be silenced
// individually via Initialize options. Before Initialize the package is a
// silent no-op, so library code can log unconditionally.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup/shutdown
	CategoryEngine   Category = "engine"   // Pipeline orchestrator
	CategoryTurn     Category = "turn"     // Turn aggregate lifecycle
	CategoryPhase    Category = "phase"    // Phase executors
	CategorySaga     Category = "saga"     // Compensation coordinator
	CategoryCollab   Category = "collab"   // Outbound collaborator calls
	CategoryHTTP     Category = "http"     // HTTP API
	CategoryMetrics  Category = "metrics"  // Metrics registry
	CategoryTracing  Category = "tracing"  // Tracer provider
	CategoryRegistry Category = "registry" // Active-turn registry
)

// Options controls logger construction.
type Options struct {
	Level       string          // debug, info, warn, error (default info)
	Development bool            // Console encoder + caller info
	Disabled    map[string]bool // Categories to silence
}

var (
	mu       sync.RWMutex
	root     *zap.Logger
	sugared  = make(map[Category]*zap.SugaredLogger)
	disabled map[string]bool
	nop      = zap.NewNop().Sugar()
)

// Initialize builds the shared zap core. Call once at startup.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	SetLogger(logger)
	mu.Lock()
	disabled = opts.Disabled
	mu.Unlock()
	return nil
}

// SetLogger installs an externally built zap logger. Used by tests and by
// the CLI when it owns logger construction.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	sugared = make(map[Category]*zap.SugaredLogger)
}

// Sync flushes buffered entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Get returns the sugared logger for a category, or a no-op logger when the
// package is uninitialized or the category is disabled.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if root == nil || (disabled != nil && disabled[string(category)]) {
		mu.RUnlock()
		return nop
	}
	if l, ok := sugared[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := sugared[category]; ok {
		return l
	}
	l := root.Named(string(category)).Sugar()
	sugared[category] = l
	return l
}

// Convenience functions: info/debug per category. These are no-ops until
// Initialize or SetLogger is called.

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Infof(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warnf(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Errorf(format, args...) }

func Engine(format string, args ...interface{})      { Get(CategoryEngine).Infof(format, args...) }
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debugf(format, args...) }
func EngineWarn(format string, args ...interface{})  { Get(CategoryEngine).Warnf(format, args...) }
func EngineError(format string, args ...interface{}) { Get(CategoryEngine).Errorf(format, args...) }

func Turn(format string, args ...interface{})      { Get(CategoryTurn).Infof(format, args...) }
func TurnDebug(format string, args ...interface{}) { Get(CategoryTurn).Debugf(format, args...) }
func TurnWarn(format string, args ...interface{})  { Get(CategoryTurn).Warnf(format, args...) }

func Phase(format string, args ...interface{})      { Get(CategoryPhase).Infof(format, args...) }
func PhaseDebug(format string, args ...interface{}) { Get(CategoryPhase).Debugf(format, args...) }
func PhaseWarn(format string, args ...interface{})  { Get(CategoryPhase).Warnf(format, args...) }
func PhaseError(format string, args ...interface{}) { Get(CategoryPhase).Errorf(format, args...) }

func Saga(format string, args ...interface{})      { Get(CategorySaga).Infof(format, args...) }
func SagaDebug(format string, args ...interface{}) { Get(CategorySaga).Debugf(format, args...) }
func SagaWarn(format string, args ...interface{})  { Get(CategorySaga).Warnf(format, args...) }
func SagaError(format string, args ...interface{}) { Get(CategorySaga).Errorf(format, args...) }

func Collab(format string, args ...interface{})      { Get(CategoryCollab).Infof(format, args...) }
func CollabDebug(format string, args ...interface{}) { Get(CategoryCollab).Debugf(format, args...) }
func CollabWarn(format string, args ...interface{})  { Get(CategoryCollab).Warnf(format, args...) }

func HTTP(format string, args ...interface{})      { Get(CategoryHTTP).Infof(format, args...) }
func HTTPDebug(format string, args ...interface{}) { Get(CategoryHTTP).Debugf(format, args...) }
func HTTPWarn(format string, args ...interface{})  { Get(CategoryHTTP).Warnf(format, args...) }
func HTTPError(format string, args ...interface{}) { Get(CategoryHTTP).Errorf(format, args...) }

func Registry(format string, args ...interface{})      { Get(CategoryRegistry).Infof(format, args...) }
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debugf(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Infof("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnf("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
