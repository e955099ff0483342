// Package api contains the core types shared by the fluxrun lifecycle
// controller, its stores, the provisioning executor and the HTTP surface.
//
// Most users interact with the higher-level fluxrun package, which
// re-exports the constructors needed to build a controller. The api package
// is intended for custom integrations, alternative stores or observers.
//
// # Runs and Events
//
// A RunState is one onboarding run: an ordered, append-only log of
// WorkflowEvent values plus the run's status and per-step retry counts.
// Events are never edited or removed. The log is the authoritative history
// and RenderContext serialises it into the text context an executor reads
// to decide its next step.
//
// # Lifecycle
//
// RunStatus values form a small state machine:
//
//	running -> paused -> running
//	running -> awaiting_approval -> running | failed
//	awaiting_approval -> running (resume)
//	running -> completed
//
// completed and failed are terminal. The Lifecycle interface is the only
// way to change status; every transition records exactly one event.
//
// # Errors
//
// Lifecycle operations return *Error values with a closed ErrorKind. Use
// errors.Is with the sentinels (ErrNotFound, ErrConflictingState,
// ErrInvalidInput, ErrStoreUnavailable) or KindOf to branch on failures.
//
// # Observability
//
// The Observer interface receives callbacks after each persisted change.
// LoggingObserver, BasicMetrics and NewCompositeObserver cover the common
// cases; the metrics package adds a Prometheus implementation.
package api
