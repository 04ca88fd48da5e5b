package explicit

import (
	"time"

	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/shader"
	"github.com/gogpu/explicit/shader/wgslc"
)

// Observer receives diagnostics. Report must return promptly and must not
// call back into the device.
type Observer = diag.Observer

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc = diag.ObserverFunc

// Severity classifies a diagnostic.
type Severity = diag.Severity

// Category says which concern produced a diagnostic.
type Category = diag.Category

// Diagnostic severities and categories.
const (
	SeverityVerbose = diag.SeverityVerbose
	SeverityInfo    = diag.SeverityInfo
	SeverityWarning = diag.SeverityWarning
	SeverityError   = diag.SeverityError

	CategoryGeneral     = diag.CategoryGeneral
	CategoryValidation  = diag.CategoryValidation
	CategoryPerformance = diag.CategoryPerformance
)

// FailurePolicy decides what replay does after a command fails.
type FailurePolicy = command.FailurePolicy

// Failure policies.
const (
	// ContinueOnFailure reports a failing command and runs the rest of
	// the buffer.
	ContinueOnFailure = command.ContinueOnFailure
	// AbortCommandBuffer reports a failing command and skips the rest of
	// its buffer. Later buffers of the submission still run.
	AbortCommandBuffer = command.AbortCommandBuffer
)

// Features are optional capabilities the device may enable. NewDevice
// fails with ErrorFeatureNotPresent when the native device lacks one.
type Features struct {
	// Timestamps enables timestamp query pools.
	Timestamps bool
	// Compute enables compute pipelines and dispatches.
	Compute bool
	// IndirectDraw enables indirect draws and dispatches.
	IndirectDraw bool
}

// Config is the resolved configuration of a device.
type Config struct {
	Observer         Observer
	Compiler         shader.Compiler
	PollInterval     time.Duration
	WaitIdleTimeout  time.Duration
	FailurePolicy    FailurePolicy
	Features         Features
	BackgroundPoller bool
}

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := explicit.NewDevice(nd,
//	    explicit.WithObserver(obs),
//	    explicit.WithCommandFailurePolicy(explicit.AbortCommandBuffer))
type Option func(*Config)

// defaultConfig returns the configuration used when no option overrides it.
func defaultConfig() Config {
	return Config{
		PollInterval:    exec.DefaultPollInterval,
		WaitIdleTimeout: queue.DefaultWaitIdleTimeout,
		FailurePolicy:   ContinueOnFailure,
	}
}

// WithObserver sets the debug observer that receives diagnostics.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observer = o
	}
}

// WithShaderCompiler sets the shader cross-compiler used by pipelines.
// The default compiles WGSL through naga.
func WithShaderCompiler(sc shader.Compiler) Option {
	return func(c *Config) {
		c.Compiler = sc
	}
}

// WithPollInterval sets the sleep between polls of fences, queries and
// WaitIdle. Non-positive values keep the default of one millisecond.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithWaitIdleTimeout bounds QueueWaitIdle and DeviceWaitIdle.
// Non-positive values keep the default of five seconds.
func WithWaitIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.WaitIdleTimeout = d
		}
	}
}

// WithCommandFailurePolicy sets what replay does after a command fails.
func WithCommandFailurePolicy(p FailurePolicy) Option {
	return func(c *Config) {
		c.FailurePolicy = p
	}
}

// WithFeatures enables optional features.
func WithFeatures(f Features) Option {
	return func(c *Config) {
		c.Features = f
	}
}

// WithBackgroundPoller makes fence waits block on a condition signalled by
// one background poller instead of sleeping in each waiter.
func WithBackgroundPoller(enabled bool) Option {
	return func(c *Config) {
		c.BackgroundPoller = enabled
	}
}

func resolve(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Compiler == nil {
		cfg.Compiler = wgslc.New()
	}
	return cfg
}
