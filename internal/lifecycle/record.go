package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxrun/pkg/api"
)

// recordable lists the event types an executor may append with Record.
// Everything else is produced by the lifecycle operations themselves.
var recordable = map[api.EventType]bool{
	api.EventStepSelected:   true,
	api.EventStepResult:     true,
	api.EventStepError:      true,
	api.EventErrorCompacted: true,
}

// normalizeExecutorEvent validates an executor event, assigns it a fresh id
// and fills in a missing timestamp or payload. Ordering of timestamps is
// enforced by RunState.AppendEvent.
func normalizeExecutorEvent(op, runID string, ev api.WorkflowEvent) (api.WorkflowEvent, error) {
	invalid := func(msg string, cause error) error {
		return &api.Error{Kind: api.KindInvalidInput, Op: op, RunID: runID, Msg: msg, Err: cause}
	}

	if !recordable[ev.Type] {
		return ev, invalid("event type "+string(ev.Type)+" cannot be recorded by an executor", nil)
	}
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	switch ev.Type {
	case api.EventStepResult:
		if _, err := ev.StepResult(); err != nil {
			return ev, invalid("step_result carries no valid result", err)
		}
	case api.EventStepError:
		if _, err := ev.StepFailure(); err != nil {
			return ev, invalid("step_error is malformed", err)
		}
	}
	return ev, nil
}
