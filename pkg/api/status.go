package api

import (
	"fmt"
	"sort"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	StatusRunning          RunStatus = "running"
	StatusPaused           RunStatus = "paused"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
)

var knownStatuses = map[RunStatus]struct{}{
	StatusRunning:          {},
	StatusPaused:           {},
	StatusAwaitingApproval: {},
	StatusCompleted:        {},
	StatusFailed:           {},
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no further lifecycle transitions are accepted
// from s. Terminal runs are retained for audit but excluded from active
// listings.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Statuses returns every valid status, sorted by name.
func Statuses() []RunStatus {
	out := make([]RunStatus, 0, len(knownStatuses))
	for s := range knownStatuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActiveStatuses returns the non-terminal statuses, sorted by name.
func ActiveStatuses() []RunStatus {
	var out []RunStatus
	for _, s := range Statuses() {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// ParseStatus validates a raw status string. Unknown values yield an
// InvalidInput error listing the accepted values.
func ParseStatus(raw string) (RunStatus, error) {
	s := RunStatus(raw)
	if !s.Valid() {
		return "", &Error{
			Kind: KindInvalidInput,
			Op:   "parse_status",
			Msg:  fmt.Sprintf("invalid status %q, valid values: %v", raw, Statuses()),
		}
	}
	return s, nil
}
