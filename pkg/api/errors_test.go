package api

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := NewConflictError("pause", "r1", StatusCompleted, StatusRunning)
	wrapped := fmt.Errorf("handler: %w", err)

	if !errors.Is(wrapped, ErrConflictingState) {
		t.Fatalf("expected wrapped conflict to match ErrConflictingState")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("conflict must not match ErrNotFound")
	}
	if KindOf(wrapped) != KindConflictingState {
		t.Fatalf("KindOf=%v, want conflicting_state", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain errors should be KindUnknown")
	}
}

func TestError_Messages(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{NewConflictError("resume", "r1", StatusCompleted, StatusPaused, StatusAwaitingApproval),
			"resume: run r1 is completed, requires paused or awaiting_approval"},
		{&Error{Kind: KindNotFound, Op: "get", RunID: "r9"}, "get: run r9 not found"},
		{&Error{Kind: KindStoreUnavailable, Op: "load", Err: errors.New("dial tcp")}, "load: store unavailable: dial tcp"},
		{&Error{Kind: KindInvalidInput, Msg: "company_name is required"}, "company_name is required"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error()=%q, want %q", got, tc.want)
		}
	}
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &Error{Kind: KindStoreUnavailable, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestErrorKind_String(t *testing.T) {
	want := map[ErrorKind]string{
		KindUnknown:          "unknown",
		KindNotFound:         "not_found",
		KindConflictingState: "conflicting_state",
		KindInvalidInput:     "invalid_input",
		KindDuplicateKey:     "duplicate_key",
		KindStoreUnavailable: "store_unavailable",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("%d.String()=%q, want %q", k, k.String(), s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q)=%q,%v", s, got, err)
		}
	}

	_, err := ParseStatus("bogus")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), "awaiting_approval") {
		t.Fatalf("error should list valid values: %v", err)
	}
}

func TestStatus_TerminalAndActive(t *testing.T) {
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Fatalf("completed and failed are terminal")
	}
	if StatusPaused.IsTerminal() {
		t.Fatalf("paused is not terminal")
	}
	active := ActiveStatuses()
	want := []RunStatus{StatusAwaitingApproval, StatusPaused, StatusRunning}
	if len(active) != len(want) {
		t.Fatalf("ActiveStatuses()=%v, want %v", active, want)
	}
	for i := range want {
		if active[i] != want[i] {
			t.Fatalf("ActiveStatuses()=%v, want %v", active, want)
		}
	}
	if RunStatus("RUNNING").Valid() {
		t.Fatalf("status matching is case-sensitive")
	}
}
