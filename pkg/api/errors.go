package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure categories a lifecycle operation
// can report. Callers switch on the kind rather than on message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNotFound: the run_id has no record.
	KindNotFound
	// KindConflictingState: the operation is not legal for the run's
	// current status.
	KindConflictingState
	// KindInvalidInput: a malformed or missing field.
	KindInvalidInput
	// KindDuplicateKey: an idempotency key collision. The controller
	// recovers from it locally; it is only visible at the store boundary.
	KindDuplicateKey
	// KindStoreUnavailable: the underlying persistence failed.
	KindStoreUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflictingState:
		return "conflicting_state"
	case KindInvalidInput:
		return "invalid_input"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching. Any *Error of the same kind matches.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflictingState = &Error{Kind: KindConflictingState}
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrDuplicateKey     = &Error{Kind: KindDuplicateKey}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
)

// Error is the error type returned by lifecycle operations.
type Error struct {
	Kind  ErrorKind
	Op    string
	RunID string

	// Current and Required are set for KindConflictingState.
	Current  RunStatus
	Required []RunStatus

	// Code is an optional machine-readable detail (e.g. MISSING_COMPANY_NAME).
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind == KindConflictingState:
		fmt.Fprintf(&b, "run %s is %s, requires %s", e.RunID, e.Current, joinStatuses(e.Required))
	case e.Kind == KindNotFound && e.RunID != "":
		fmt.Fprintf(&b, "run %s not found", e.RunID)
	default:
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, ErrNotFound)
// works regardless of op or run id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NewConflictError builds a ConflictingState error for op.
func NewConflictError(op, runID string, current RunStatus, required ...RunStatus) *Error {
	return &Error{
		Kind:     KindConflictingState,
		Op:       op,
		RunID:    runID,
		Current:  current,
		Required: required,
	}
}

func joinStatuses(ss []RunStatus) string {
	if len(ss) == 0 {
		return "none"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, " or ")
}
