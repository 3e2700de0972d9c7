// Package scheduler implements the job lifecycle state machine platforms
// drive their jobs through. Concrete platforms supply ordering and batching
// through Policy hooks but every job visits the same states in order.
package scheduler

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a job is moved to a state that does
// not follow its current one.
var ErrInvalidTransition = errors.New("invalid job state transition")

// State is a job lifecycle state.
type State int

const (
	Submitted State = iota
	Pending
	DependencyFree
	DataPresent
	DataReady
	Executing
	Executed
	Completed
)

var stateNames = [...]string{
	Submitted:      "SUBMITTED",
	Pending:        "PENDING",
	DependencyFree: "DEPENDENCY_FREE",
	DataPresent:    "DATA_PRESENT",
	DataReady:      "DATA_READY",
	Executing:      "EXECUTING",
	Executed:       "EXECUTED",
	Completed:      "COMPLETED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// validTransitions maps each state to the only state that may follow it.
var validTransitions = map[State]State{
	Submitted:      Pending,
	Pending:        DependencyFree,
	DependencyFree: DataPresent,
	DataPresent:    DataReady,
	DataReady:      Executing,
	Executing:      Executed,
	Executed:       Completed,
}

// ValidTransition reports whether a job may move from one state to another.
func ValidTransition(from, to State) bool {
	next, ok := validTransitions[from]
	return ok && next == to
}

// canFail reports whether a job in s may jump to EXECUTED with a failure.
func canFail(s State) bool {
	return s < Executed
}
