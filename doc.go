// Package flowline runs user-authored automation flows: a trigger followed
// by ordered actions against third-party integrations.
//
// Flowline is meant to be embedded in a Go service or run as the flowline
// binary. Every step of a live execution is one job on a lease-based task
// queue, so a crashed worker's job is redelivered and executions survive
// restarts when a durable store and queue are configured.
//
// # Core Concepts
//
//  1. Flow and Step
//  2. Handler
//  3. Engine
//  4. Worker pool
//  5. LocalRunner
//
// # Flows
//
// A Flow is a trigger at position 1 followed by actions. Actions are either
// integration actions, run by a registered Handler, or built-in ones:
//
//   - if-then branches, which skip ahead when their conditions do not hold
//   - delay-for and delay-until, which postpone the next step
//
// FlowBuilder is the ergonomic way to author one:
//
//	flow := flowline.New("welcome").
//	    Trigger("webhook", "catch").
//	    If("is-vip", flowline.When(flowline.StepField("trigger", "plan"), flowline.OpEquals, "vip")).
//	    Action("notify", "slack", "send", map[string]any{"channel": "#vip"}).
//	    Build()
//
// A flow must be published before it can be triggered. Publishing validates
// positions and branch nesting and precomputes where each branch skips to.
//
// # Handlers
//
// A Handler runs one step:
//
//	type Handler interface {
//	    Run(ctx context.Context, rc RunContext) (Result, error)
//	}
//
// Handlers may run more than once for the same step and must be idempotent.
// Errors are classified with Retriable, RetriableAfter, RetriableGroup,
// Unrecoverable and ConfigurationError. Unclassified errors are retried
// until the attempt ceiling is reached.
//
// # Engine and workers
//
// The Engine records step outcomes, decides retries and enqueues the next
// step. Workers lease jobs from the queues, renew the lease while a handler
// runs and settle the job according to the engine's decision. Integrations
// may be given queues of their own and per-group rate or concurrency limits.
//
// When an execution fails, the flow's owner is notified once per failure
// episode unless the flow asks for every failure.
//
// # Backends
//
// Build assembles an App from a Config. Stores: in-memory, SQLite and
// Postgres. Queues: in-memory, SQLite, Postgres, Redis and MongoDB. Rate
// limits and notification deduplication: in-memory or Redis.
//
// # LocalRunner
//
// LocalRunner wires everything in memory for development and tests. It is
// not crash-durable.
//
// For complete programs, see the examples directory.
package flowline
