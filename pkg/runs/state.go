package runs

import (
	"encoding/json"
	"time"
)

// Status represents a sync run lifecycle state.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusStarted
	StatusQuerying
	StatusQueued
	StatusInProgress
	StatusSuccess
	StatusFailed
	StatusIncomplete
	StatusAborted
)

// String returns the string representation for a Status. This is the form
// persisted in the sync_runs status column.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarted:
		return "started"
	case StatusQuerying:
		return "querying"
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusIncomplete:
		return "incomplete"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// NewStatus returns the Status for a persisted string name. Unrecognized
// input maps to StatusUnknown.
func NewStatus(str string) Status {
	switch str {
	case StatusPending.String():
		return StatusPending
	case StatusStarted.String():
		return StatusStarted
	case StatusQuerying.String():
		return StatusQuerying
	case StatusQueued.String():
		return StatusQueued
	case StatusInProgress.String():
		return StatusInProgress
	case StatusSuccess.String():
		return StatusSuccess
	case StatusFailed.String():
		return StatusFailed
	case StatusIncomplete.String():
		return StatusIncomplete
	case StatusAborted.String():
		return StatusAborted
	default:
		return StatusUnknown
	}
}

// MarshalJSON marshals the Status into a json string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON unmarshals the input byte slice and updates this status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	err := json.Unmarshal(data, &v)
	if err != nil {
		return err
	}

	*s = NewStatus(v)
	return nil
}

// transitions is the authoritative table of permitted lifecycle moves.
// Failure is reachable from every non-terminal state so cancellation and
// run-fatal errors can always land. Querying and in_progress admit
// themselves so a resumed run can re-enter the phase it crashed in.
var transitions = map[Status][]Status{
	StatusPending:    {StatusStarted, StatusQuerying, StatusFailed, StatusAborted},
	StatusStarted:    {StatusQuerying, StatusFailed, StatusAborted},
	StatusQuerying:   {StatusQuerying, StatusQueued, StatusFailed},
	StatusQueued:     {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusInProgress, StatusSuccess, StatusFailed, StatusIncomplete},
	StatusIncomplete: {StatusQueued, StatusFailed},
}

// CanTransition reports whether moving from s to the target state is
// permitted. Callers treat a rejection as a logged no-op, not an error, so
// redundant invocations from an at-least-once scheduler do nothing.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a run in this state will never progress again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// RunType distinguishes ordinary scheduled runs from one-record test runs.
type RunType string

const (
	RunTypeGeneral RunType = "general"
	RunTypeTest    RunType = "test"
)

// Run is one execution attempt of a sync.
type Run struct {
	ID             string     `json:"id"`
	SyncID         string     `json:"sync_id"`
	Status         Status     `json:"status"`
	Type           RunType    `json:"run_type"`
	CurrentOffset  int64      `json:"current_offset"`
	TotalQueryRows int64      `json:"total_query_rows"`
	SkippedRows    int64      `json:"skipped_rows"`
	SuccessfulRows int64      `json:"successful_rows"`
	FailedRows     int64      `json:"failed_rows"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// MayQuery reports whether the run can enter its extraction phase.
func (r *Run) MayQuery() bool {
	return r.Status.CanTransition(StatusQuerying)
}

// MayProgress reports whether the run can enter its loading phase.
func (r *Run) MayProgress() bool {
	return r.Status.CanTransition(StatusInProgress)
}
