package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/fluxrun/pkg/api"
)

// EncodeRun serializes a run snapshot as JSON.
func EncodeRun(run *api.RunState) ([]byte, error) {
	if run == nil {
		return nil, errors.New("encode run: nil run")
	}
	if run.RunID == "" {
		return nil, errors.New("encode run: missing run_id")
	}
	return json.Marshal(run)
}

// DecodeRun parses and validates a snapshot produced by EncodeRun. Any
// failure is reported as ErrCorruptState; a run is never partially
// materialized.
func DecodeRun(data []byte) (*api.RunState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptState)
	}

	var run api.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if run.RunID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrCorruptState)
	}
	if !run.Status.Valid() {
		return nil, fmt.Errorf("%w: run %s has invalid status %q", ErrCorruptState, run.RunID, run.Status)
	}
	for i, ev := range run.Events {
		if !ev.Type.Valid() {
			return nil, fmt.Errorf("%w: run %s event %d has unknown type %q", ErrCorruptState, run.RunID, i, ev.Type)
		}
	}

	if run.Events == nil {
		run.Events = []api.WorkflowEvent{}
	}
	if run.RetryCounts == nil {
		run.RetryCounts = map[string]int{}
	}
	return &run, nil
}

// cloneRun returns a deep copy of run by round-tripping it through the codec.
func cloneRun(run *api.RunState) (*api.RunState, error) {
	data, err := EncodeRun(run)
	if err != nil {
		return nil, err
	}
	return DecodeRun(data)
}
