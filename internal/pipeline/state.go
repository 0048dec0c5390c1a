package pipeline

import (
	"errors"
	"fmt"

	"logsentry/internal/model"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateTraining      State = "TRAINING"
	StateReady         State = "READY"
	StateDetecting     State = "DETECTING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// ErrIllegalTransition is returned when an operation is invoked from a state that does not allow it.
var ErrIllegalTransition = errors.New("illegal state transition")

// FAILED is reachable from every state and is handled separately.
var transitions = map[State][]State{
	StateUninitialized: {StateTraining, StateReady},
	StateTraining:      {StateReady},
	StateReady:         {StateDetecting},
	StateDetecting:     {StateDone},
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateFailed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunError reports a failed operation together with everything produced before the failure.
type RunError struct {
	Op        string
	State     State
	Summary   model.RunSummary
	Anomalies []model.Anomaly
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed in state %s: %v", e.Op, e.State, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Event prefixes recorded in RunSummary.Events.
const (
	EventModelUnavailable  = "model_unavailable"
	EventIsolationDisabled = "isolation_disabled"
	EventSessionOverflow   = "session_overflow"
	EventRecordsSkipped    = "records_skipped"
	EventRunNotSaved       = "run_not_saved"
)

func event(kind, detail string) string {
	if detail == "" {
		return kind
	}
	return kind + ": " + detail
}
