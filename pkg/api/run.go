package api

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunState is the complete state of one workflow run: the thread.
//
// It is the single source of truth for both execution state and business
// state. Every change is captured as a WorkflowEvent so the run can be
// inspected, resumed or replayed. Status is only changed by the lifecycle
// controller.
type RunState struct {
	RunID          string          `json:"run_id"`
	SessionID      string          `json:"session_id,omitempty"`
	CompanyName    string          `json:"company_name,omitempty"`
	Status         RunStatus       `json:"status"`
	Events         []WorkflowEvent `json:"events"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RetryCounts    map[string]int  `json:"retry_counts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RunOption customises NewRunState.
type RunOption func(*RunState)

// WithSessionID sets the external correlation key.
func WithSessionID(id string) RunOption {
	return func(r *RunState) { r.SessionID = id }
}

// WithIdempotencyKey sets the caller-supplied idempotency key.
func WithIdempotencyKey(key string) RunOption {
	return func(r *RunState) { r.IdempotencyKey = key }
}

// NewRunState returns a running run with a fresh run_id and no events.
func NewRunState(companyName string, opts ...RunOption) *RunState {
	now := time.Now().UTC()
	r := &RunState{
		RunID:       uuid.NewString(),
		CompanyName: companyName,
		Status:      StatusRunning,
		Events:      []WorkflowEvent{},
		CreatedAt:   now,
		UpdatedAt:   now,
		RetryCounts: map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AppendEvent adds ev to the end of the log and advances UpdatedAt.
// UpdatedAt strictly increases even if the wall clock has not moved, and
// an event older than the current last event is moved up to its timestamp.
func (r *RunState) AppendEvent(ev WorkflowEvent) {
	if last, ok := r.LastEvent(); ok && ev.Timestamp.Before(last.Timestamp) {
		ev.Timestamp = last.Timestamp
	}
	r.Events = append(r.Events, ev)

	now := time.Now().UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Nanosecond)
	}
	r.UpdatedAt = now
}

// EventCount returns the number of events in the log.
func (r *RunState) EventCount() int {
	return len(r.Events)
}

// LastEvent returns the most recently appended event.
func (r *RunState) LastEvent() (WorkflowEvent, bool) {
	if len(r.Events) == 0 {
		return WorkflowEvent{}, false
	}
	return r.Events[len(r.Events)-1], true
}

// RenderContext serialises the full event log, in append order, into the
// text form an executor reads to reconstruct what happened so far.
func (r *RunState) RenderContext() string {
	blocks := make([]string, len(r.Events))
	for i, ev := range r.Events {
		blocks[i] = ev.ContextBlock()
	}
	return strings.Join(blocks, "\n\n")
}

// ExtractStepResults returns the results of all step_result events in
// append order. Events whose payload does not parse are skipped.
func (r *RunState) ExtractStepResults() []StepResult {
	var out []StepResult
	for _, ev := range r.Events {
		if ev.Type != EventStepResult {
			continue
		}
		res, err := ev.StepResult()
		if err != nil {
			continue
		}
		out = append(out, res)
	}
	return out
}

// RetryCount returns the recorded retry count for step.
func (r *RunState) RetryCount(step string) int {
	return r.RetryCounts[step]
}

// IncrementRetry increments and returns the retry count for step.
func (r *RunState) IncrementRetry(step string) int {
	if r.RetryCounts == nil {
		r.RetryCounts = map[string]int{}
	}
	r.RetryCounts[step]++
	return r.RetryCounts[step]
}
