package api

import (
	"fmt"
	"strings"
)

// ApprovalRequest asks a human to approve a high-stakes action before the
// run continues.
type ApprovalRequest struct {
	Action  string
	Reason  string
	Details string
	// Urgency is "low", "medium" or "high". Empty means medium.
	Urgency string
}

// Escalation hands a problem the executor could not resolve to a human.
type Escalation struct {
	Issue         string
	Context       string
	FailedSystems []string
	AttemptsMade  int
}

// ApprovalDecision is the answer delivered through the approval webhook.
type ApprovalDecision struct {
	Approved  bool
	Responder string
	Comment   string
}

// StepFailure describes a failed attempt of a named step.
type StepFailure struct {
	Code      string
	Message   string
	Retryable bool
	Attempt   int
}

// NewStepResultEvent builds a step_result event carrying r under "result".
func NewStepResultEvent(step string, r StepResult) WorkflowEvent {
	return NewEvent(EventStepResult, map[string]any{
		"result": r.ToData(),
	}).WithStep(step)
}

// NewStepErrorEvent builds a step_error event for step.
func NewStepErrorEvent(step string, f StepFailure) WorkflowEvent {
	return NewEvent(EventStepError, map[string]any{
		"error_code": f.Code,
		"message":    f.Message,
		"retryable":  f.Retryable,
		"attempt":    f.Attempt,
	}).WithStep(step)
}

// NewApprovalRequestedEvent builds an approval_requested event.
func NewApprovalRequestedEvent(req ApprovalRequest) WorkflowEvent {
	urgency := req.Urgency
	if urgency == "" {
		urgency = "medium"
	}
	return NewEvent(EventApprovalRequested, map[string]any{
		"action":  req.Action,
		"reason":  req.Reason,
		"details": req.Details,
		"urgency": urgency,
		"message": fmt.Sprintf("Approval requested for: %s. Reason: %s. The workflow is paused until approval is received.", req.Action, req.Reason),
	})
}

// NewEscalationEvent builds a human_escalation event.
func NewEscalationEvent(esc Escalation) WorkflowEvent {
	failed := strings.Join(esc.FailedSystems, ",")
	shown := failed
	if shown == "" {
		shown = "none specified"
	}
	return NewEvent(EventHumanEscalation, map[string]any{
		"issue":          esc.Issue,
		"context":        esc.Context,
		"failed_systems": failed,
		"attempts_made":  esc.AttemptsMade,
		"message": fmt.Sprintf("Issue escalated to human operator: %s. Failed systems: %s. Attempts made: %d.",
			esc.Issue, shown, esc.AttemptsMade),
	})
}

// NewApprovalReceivedEvent builds an approval_received event. Responder and
// comment are recorded as null when empty.
func NewApprovalReceivedEvent(d ApprovalDecision) WorkflowEvent {
	return NewEvent(EventApprovalReceived, map[string]any{
		"approved":  d.Approved,
		"responder": nullable(d.Responder),
		"comment":   nullable(d.Comment),
	})
}

// StepResult decodes the result carried by a step_result event.
func (e WorkflowEvent) StepResult() (StepResult, error) {
	if e.Type != EventStepResult {
		return StepResult{}, fmt.Errorf("event %s is %s, not %s", e.ID, e.Type, EventStepResult)
	}
	v, ok := e.Data["result"]
	if !ok {
		return StepResult{}, fmt.Errorf("event %s has no result", e.ID)
	}
	return ParseStepResult(v)
}

// ApprovalDecision decodes the decision carried by an approval_received
// event.
func (e WorkflowEvent) ApprovalDecision() (ApprovalDecision, error) {
	if e.Type != EventApprovalReceived {
		return ApprovalDecision{}, fmt.Errorf("event %s is %s, not %s", e.ID, e.Type, EventApprovalReceived)
	}
	approved, ok := e.Data["approved"].(bool)
	if !ok {
		return ApprovalDecision{}, fmt.Errorf("event %s: approved must be a bool, got %T", e.ID, e.Data["approved"])
	}
	d := ApprovalDecision{Approved: approved}
	d.Responder, _ = e.Data["responder"].(string)
	d.Comment, _ = e.Data["comment"].(string)
	return d, nil
}

// StepFailure decodes the failure carried by a step_error event.
func (e WorkflowEvent) StepFailure() (StepFailure, error) {
	if e.Type != EventStepError {
		return StepFailure{}, fmt.Errorf("event %s is %s, not %s", e.ID, e.Type, EventStepError)
	}
	if e.StepName == "" {
		return StepFailure{}, fmt.Errorf("event %s: step_error requires a step name", e.ID)
	}
	f := StepFailure{}
	f.Code, _ = e.Data["error_code"].(string)
	f.Message, _ = e.Data["message"].(string)
	f.Retryable, _ = e.Data["retryable"].(bool)
	switch n := e.Data["attempt"].(type) {
	case int:
		f.Attempt = n
	case float64:
		f.Attempt = int(n)
	}
	return f, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
