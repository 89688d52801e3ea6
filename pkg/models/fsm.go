package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // pipeline picked the job up
		JobStatusProcessed:  true, // completion observed before any stage report
		JobStatusError:      true,
		JobStatusCancelled:  true, // operator action
	},
	JobStatusProcessing: {
		JobStatusProcessed: true,
		JobStatusError:     true,
		JobStatusCancelled: true,
	},
	// Terminal states (no transitions allowed)
	JobStatusProcessed: {},
	JobStatusError:     {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// SourceStates returns every state from which to can be reached
func SourceStates(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range AllStatuses {
		if validTransitions[s][to] {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusProcessed || state == JobStatusError || state == JobStatusCancelled
}

// IsActiveState returns true if the job still occupies its external id
func IsActiveState(state JobStatus) bool {
	return state == JobStatusQueued || state == JobStatusProcessing
}
