package launch

import (
	"fmt"

	"github.com/joescharf/gwt/internal/models"
)

// State is a launch job's position in its lifecycle.
type State string

const (
	StateQueued    State = State(models.JobStatusQueued)
	StateResolving State = State(models.JobStatusResolving)
	StateSpawning  State = State(models.JobStatusSpawning)
	StateRunning   State = State(models.JobStatusRunning)
	StateSucceeded State = State(models.JobStatusSucceeded)
	StateFailed    State = State(models.JobStatusFailed)
	StateCancelled State = State(models.JobStatusCancelled)
)

var transitions = map[State][]State{
	StateQueued:    {StateResolving, StateCancelled},
	StateResolving: {StateSpawning, StateFailed, StateCancelled},
	StateSpawning:  {StateRunning, StateFailed, StateCancelled},
	StateRunning:   {StateSucceeded, StateFailed, StateCancelled},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return models.JobStatus(s).Terminal()
}

// TransitionError is returned for a move the state machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}
