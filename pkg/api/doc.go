// Package api contains the core building blocks used by the flowline
// orchestrator: the Flow/Step/Execution data model, the handler contract
// every integration implements, the error taxonomy the engine uses to decide
// between retrying and failing, and the Observer hooks.
//
// Most users interact with the higher-level flowline package, which
// re-exports selected types and helpers from this package.
//
// # Handlers
//
// Each integration action implements Handler. The engine looks handlers up in
// a Registry keyed by (integration, action) and invokes exactly one handler
// per job. A handler returns a Result whose Next field tells the engine what
// happens next:
//
//   - Continue: run the step at the next position
//   - JumpTo(id): run a later step (used by if-then branches)
//   - Stop: finish the execution successfully
//
// Handlers may run more than once for the same step because delivery is
// at-least-once, so they must be idempotent.
//
// # Errors
//
// Handlers report failures with typed errors:
//
//   - ConfigurationError: invalid parameters, never retried
//   - RetriableError: retried with default backoff, a fixed delay, or a
//     group-wide pause
//   - UnrecoverableError: never retried
//
// Any other error is retried with exponential backoff and jitter until the
// attempt ceiling is reached.
//
// # Observability
//
// Observer receives execution and step lifecycle callbacks. LoggingObserver
// writes them through zerolog, BasicMetrics keeps in-memory counters, and
// NewCompositeObserver fans out to several observers.
package api
