package api

import "context"

// LaunchRequest describes a new run.
type LaunchRequest struct {
	CompanyName string
	// SessionID, if empty, is generated.
	SessionID string
	// IdempotencyKey, if set, collapses repeated launches to one run.
	IdempotencyKey string
}

// LaunchResult reports the launched run and whether this call created it.
// Created is false when an existing run was returned for the same
// idempotency key.
type LaunchResult struct {
	Run     *RunState
	Created bool
}

// ListOptions controls List. An empty Status lists active runs only; any
// other value must be a valid RunStatus.
type ListOptions struct {
	Status string
}

// Lifecycle is the run lifecycle API. Every mutating operation appends
// exactly one event and, where the state machine says so, changes status;
// both are persisted together or not at all.
//
// Errors are *Error values; use errors.Is with ErrNotFound,
// ErrConflictingState, ErrInvalidInput or ErrStoreUnavailable.
type Lifecycle interface {
	// Launch creates a running run with a user_input event. With an
	// idempotency key, at most one run is ever created per key; concurrent
	// callers all receive the same run.
	Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error)

	// Get returns the run with the given id.
	Get(ctx context.Context, runID string) (*RunState, error)

	// Pause moves a running run to paused.
	Pause(ctx context.Context, runID string, reason string) (*RunState, error)

	// Resume moves a paused or awaiting_approval run back to running. data
	// is recorded as the resumed event's payload.
	Resume(ctx context.Context, runID string, data map[string]any) (*RunState, error)

	// ReceiveApproval applies a human decision to an awaiting_approval run:
	// approved runs continue, denied runs fail.
	ReceiveApproval(ctx context.Context, runID string, decision ApprovalDecision) (*RunState, error)

	// RequestApproval parks a running run until a decision arrives.
	RequestApproval(ctx context.Context, runID string, req ApprovalRequest) (*RunState, error)

	// Escalate hands a running run to a human operator; the run waits in
	// awaiting_approval.
	Escalate(ctx context.Context, runID string, esc Escalation) (*RunState, error)

	// Record appends an executor event (step_selected, step_result,
	// step_error, error_compacted) to a running run. step_error events
	// increment the step's retry count in the same write.
	Record(ctx context.Context, runID string, ev WorkflowEvent) (*RunState, error)

	// Finalize completes a running run.
	Finalize(ctx context.Context, runID string, summary map[string]any) (*RunState, error)

	// List returns runs per opts.
	List(ctx context.Context, opts ListOptions) ([]*RunState, error)

	// FindBySession returns all runs sharing a session correlation key.
	FindBySession(ctx context.Context, sessionID string) ([]*RunState, error)
}
