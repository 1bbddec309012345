package orchestrator

import (
	"fmt"

	"github.com/youruser/patchwork/internal/progress"
)

// State is where a plan step is in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateParsing    State = "parsing"
	StateMerged     State = "merged"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateFailed
}

// status is the value reported in step_status notifications.
func (s State) status() string {
	switch s {
	case StateMerged:
		return progress.StepCompleted
	case StateFailed:
		return progress.StepError
	default:
		return progress.StepStarted
	}
}

func allowed(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRetrieving || to == StateFailed
	case StateRetrieving:
		return to == StateGenerating || to == StateFailed
	case StateGenerating:
		return to == StateParsing || to == StateFailed
	case StateParsing:
		return to == StateMerged || to == StateFailed
	default:
		return false
	}
}

// StepOutcome records how one plan step ended.
type StepOutcome struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	State State  `json:"state"`
	Err   error  `json:"-"`
}

// Message returns the failure message, or "" for a step that did not fail.
func (o StepOutcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o *StepOutcome) transition(to State) error {
	if !allowed(o.State, to) {
		return fmt.Errorf("step %d: disallowed transition %s -> %s", o.Index, o.State, to)
	}
	o.State = to
	return nil
}
