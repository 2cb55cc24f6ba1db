package flowline

import (
	"context"

	"github.com/petrijr/flowline/internal/app"
	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/pkg/actions"
	"github.com/petrijr/flowline/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	Flow               = api.Flow
	Step               = api.Step
	StepKind           = api.StepKind
	Execution          = api.Execution
	ExecutionStatus    = api.ExecutionStatus
	ExecutionStep      = api.ExecutionStep
	ErrorDetails       = api.ErrorDetails
	NotificationPolicy = api.NotificationPolicy
	Job                = api.Job

	Handler       = api.Handler
	HandlerFunc   = api.HandlerFunc
	RunContext    = api.RunContext
	Result        = api.Result
	NextStep      = api.NextStep
	Registry      = api.Registry
	GroupPolicy   = api.GroupPolicy
	GroupResolver = api.GroupResolver

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Condition = actions.Condition
	Operator  = actions.Operator

	Engine        = engine.Engine
	ExecutionView = engine.ExecutionView
	TestInput     = engine.TestInput
	TestResult    = engine.TestResult
	RetryPolicy   = engine.RetryPolicy

	Config = config.Config
	App    = app.App
	Option = app.Option
)

// Re-export handler and observer helpers.

var (
	Continue = api.Continue
	JumpTo   = api.JumpTo
	Stop     = api.Stop

	NewRegistry          = api.NewRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Build options.

var (
	WithLogger        = app.WithLogger
	WithHandlers      = app.WithHandlers
	WithGroupResolver = app.WithGroupResolver
	WithObserver      = app.WithObserver
)

// Engine errors callers may match with errors.Is.

var (
	ErrFlowInactive = engine.ErrFlowInactive
	ErrInvalidFlow  = engine.ErrInvalidFlow
)

const (
	ExecutionPending = api.ExecutionPending
	ExecutionSuccess = api.ExecutionSuccess
	ExecutionFailure = api.ExecutionFailure

	StepSuccess = api.StepSuccess
	StepFailure = api.StepFailure

	NotifyDedupe = api.NotifyDedupe
	NotifyAlways = api.NotifyAlways
)

const (
	OpEquals   = actions.OpEquals
	OpGTE      = actions.OpGTE
	OpGT       = actions.OpGT
	OpLTE      = actions.OpLTE
	OpLT       = actions.OpLT
	OpContains = actions.OpContains
	OpIsEmpty  = actions.OpIsEmpty
)

// DefaultConfig returns the in-memory, single process configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML config file (optional) with FLOWLINE_ environment
// overrides.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Build wires an App from cfg. Call App.Close when done.
func Build(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	return app.Build(ctx, cfg, opts...)
}

// IsNotFound reports whether err means a flow, step or execution does not
// exist.
func IsNotFound(err error) bool {
	return engine.IsNotFound(err)
}
