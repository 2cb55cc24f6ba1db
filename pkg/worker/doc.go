// Package worker drives flow executions forward by consuming step jobs from
// lease-based task queues.
//
// A Worker leases one task at a time, hands its job to a Processor (the
// flow engine in production) and settles the task according to the
// returned decision:
//
//   - DecisionAck removes the task from the queue.
//   - DecisionRetry releases it for redelivery after the requested delay.
//     The attempt counter only moves when the engine says the attempt was
//     consumed, so rate-limit denials never count against a job's retries.
//
// While a job runs the worker renews its lease on a heartbeat, so long
// running handlers are not redelivered to other workers. Ack and Nack are
// still attempted after the worker's context is cancelled, bounded by a
// short timeout.
//
// # Pools
//
// A Pool runs workers over every queue of a taskqueue.Router. Concurrency
// is a global cap on jobs in flight across all queues; idle workers give
// their slot back after PollInterval so a quiet queue cannot starve a busy
// one.
//
// Retry classification, backoff and failure handling live in the engine.
// Workers only move tasks.
package worker
