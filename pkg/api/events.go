package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a run history event.
type EventType string

const (
	EventUserInput         EventType = "user_input"
	EventStepSelected      EventType = "step_selected"
	EventStepResult        EventType = "step_result"
	EventStepError         EventType = "step_error"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalReceived  EventType = "approval_received"
	EventHumanEscalation   EventType = "human_escalation"
	EventPaused            EventType = "paused"
	EventResumed           EventType = "resumed"
	EventFinalized         EventType = "finalized"
	EventErrorCompacted    EventType = "error_compacted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventUserInput, EventStepSelected, EventStepResult, EventStepError,
		EventApprovalRequested, EventApprovalReceived, EventHumanEscalation,
		EventPaused, EventResumed, EventFinalized, EventErrorCompacted:
		return true
	}
	return false
}

// WorkflowEvent is an immutable fact in a run's append-only log.
//
// Data is an open key/value payload whose shape depends on Type. Use the
// typed accessors (StepResult, ApprovalDecision, StepFailure) rather than
// reading Data directly; they check Type before interpreting the payload.
type WorkflowEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	StepName  string         `json:"step_name,omitempty"`
}

// NewEvent creates an event with a fresh id and the current UTC time.
func NewEvent(t EventType, data map[string]any) WorkflowEvent {
	if data == nil {
		data = map[string]any{}
	}
	return WorkflowEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithStep returns a copy of e labelled with the given step name.
func (e WorkflowEvent) WithStep(name string) WorkflowEvent {
	e.StepName = name
	return e
}

// ContextBlock renders e as a tagged text block:
//
//	<event_type>
//	step: <step_name>
//	key: value
//	</event_type>
//
// Data keys are emitted in sorted order so the output is stable.
func (e WorkflowEvent) ContextBlock() string {
	var b strings.Builder
	tag := string(e.Type)

	b.WriteString("<" + tag + ">")
	if e.StepName != "" {
		b.WriteString("\nstep: " + e.StepName)
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + renderValue(e.Data[k]))
	}

	b.WriteString("\n</" + tag + ">")
	return b.String()
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool, int, int32, int64, float32, float64, json.Number:
		return fmt.Sprint(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}
