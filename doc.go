// Package fluxrun tracks customer-onboarding workflow runs.
//
// A run is an event-sourced record of one company's onboarding: it is
// launched, provisions a fixed set of external systems, and may pause,
// wait for a human approval, or fail along the way. Everything about a run
// is derived from its append-only event log, and the number of events
// doubles as the run's revision for optimistic concurrency.
//
// # Lifecycle
//
// Lifecycle is the entry point. It can:
//   - launch runs, idempotently when given an idempotency key
//   - pause and resume runs
//   - request and receive human approvals
//   - record escalations and step results
//   - list runs and look them up by session
//
// Every mutation checks the run's status first and fails with a
// conflicting_state error when the transition is not allowed.
//
// Lifecycles can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Provisioning
//
// The onboarding executor provisions each system for a running run. Failed
// systems are retried; a failure that exhausts its retries is escalated and
// the run waits for approval. Systems provisioned in an earlier attempt are
// skipped, so running the executor again after an approval only finishes
// what is left.
//
// # LocalRunner and WorkerBundle
//
// LocalRunner wires an in-memory Lifecycle to background workers that
// provision runs as soon as they are launched or resumed. WorkerBundle does
// the same on SQLite, and its Recover method picks up runs left running by
// a previous process.
//
// # Errors
//
// All operations return *Error values carrying a Kind. Use errors.Is with
// the Err* sentinels, or KindOf, to branch on them.
package fluxrun
