package seqtx

// State represents the lifecycle state of a transaction record
type State string

const (
	// StateInProgress indicates a processor has claimed the transaction
	StateInProgress State = "IN_PROGRESS"
	// StateSucceeded indicates the transaction finished successfully
	StateSucceeded State = "SUCCEEDED"
	// StateFailed indicates the transaction was aborted
	StateFailed State = "FAILED"
	// StateTimedOut indicates the claim expired before the owner finished
	StateTimedOut State = "TIMED_OUT"
)

// validTransitions defines valid state transitions for records
var validTransitions = map[State][]State{
	StateInProgress: {
		StateSucceeded,
		StateFailed,
		StateTimedOut,
	},
	StateTimedOut: {
		StateSucceeded,
		StateFailed,
		StateInProgress,
	},
	StateSucceeded: {},
	StateFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) bool {
	validTargets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsValid returns true for the four known states
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsOpen returns true if the transaction may still be finished or aborted
func (s State) IsOpen() bool {
	return s == StateInProgress || s == StateTimedOut
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}
