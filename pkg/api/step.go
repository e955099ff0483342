package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StepStatus is the outcome of one provisioning attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFail    StepStatus = "fail"
	StepError   StepStatus = "error"
	StepPending StepStatus = "pending"
	StepSkipped StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepSuccess, StepFail, StepError, StepPending, StepSkipped:
		return true
	}
	return false
}

// StepResult describes one provisioning attempt. It is a value object and
// is stored under the "result" key of a step_result event.
type StepResult struct {
	System    string     `json:"system"`
	Status    StepStatus `json:"status"`
	Details   string     `json:"details"`
	ErrorCode string     `json:"error_code,omitempty"`
	Retryable bool       `json:"retryable"`
	Attempt   int        `json:"attempt"`
}

// NewStepResult returns a first-attempt result.
func NewStepResult(system string, status StepStatus, details string) StepResult {
	return StepResult{
		System:  system,
		Status:  status,
		Details: details,
		Attempt: 1,
	}
}

// Failed reports whether the attempt ended in fail or error.
func (r StepResult) Failed() bool {
	return r.Status == StepFail || r.Status == StepError
}

// Validate checks the invariants of a result.
func (r StepResult) Validate() error {
	if strings.TrimSpace(r.System) == "" {
		return errors.New("step result: system is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("step result: unknown status %q", r.Status)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("step result: attempt must be >= 1, got %d", r.Attempt)
	}
	return nil
}

// ToData converts r to the generic map stored in event payloads.
func (r StepResult) ToData() map[string]any {
	m := map[string]any{
		"system":    r.System,
		"status":    string(r.Status),
		"details":   r.Details,
		"retryable": r.Retryable,
		"attempt":   r.Attempt,
	}
	if r.ErrorCode != "" {
		m["error_code"] = r.ErrorCode
	}
	return m
}

// ParseStepResult decodes a StepResult from the shapes it can take in an
// event payload: a StepResult value, a decoded JSON object, or raw JSON.
// A missing attempt defaults to 1.
func ParseStepResult(v any) (StepResult, error) {
	var (
		raw []byte
		err error
	)
	switch x := v.(type) {
	case StepResult:
		return x, x.Validate()
	case *StepResult:
		if x == nil {
			return StepResult{}, errors.New("step result: nil")
		}
		return *x, x.Validate()
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	case map[string]any:
		raw, err = json.Marshal(x)
		if err != nil {
			return StepResult{}, fmt.Errorf("step result: %w", err)
		}
	default:
		return StepResult{}, fmt.Errorf("step result: unsupported payload type %T", v)
	}

	var r StepResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return StepResult{}, fmt.Errorf("step result: %w", err)
	}
	if r.Attempt == 0 {
		r.Attempt = 1
	}
	return r, r.Validate()
}

// StepInput is the triggering input of a provisioning step. It is either
// free text or a set of named fields; CompanyName normalises both to the
// one field the provisioners need.
type StepInput struct {
	text   string
	fields map[string]any
	isText bool
}

// TextInput wraps a free-text input.
func TextInput(s string) StepInput {
	return StepInput{text: s, isText: true}
}

// FieldsInput wraps a structured input.
func FieldsInput(fields map[string]any) StepInput {
	return StepInput{fields: fields}
}

// CompanyName returns the trimmed company name carried by the input, or an
// InvalidInput error with code MISSING_COMPANY_NAME.
func (in StepInput) CompanyName() (string, error) {
	var name string
	if in.isText {
		name = in.text
	} else if v, ok := in.fields["company_name"].(string); ok {
		name = v
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &Error{
			Kind: KindInvalidInput,
			Op:   "step_input",
			Code: "MISSING_COMPANY_NAME",
			Msg:  "company name is required but was not provided or is empty",
		}
	}
	return name, nil
}

// StepInputFromRun derives the step input from the run's first user_input
// event, falling back to the run's company name.
func StepInputFromRun(run *RunState) StepInput {
	for _, ev := range run.Events {
		if ev.Type == EventUserInput {
			return FieldsInput(ev.Data)
		}
	}
	return TextInput(run.CompanyName)
}
