package tracker

import (
	"fmt"

	"github.com/wonny/stocketl/internal/contracts"
)

// Transition table: from -> allowed tos
var validTransitions = map[contracts.JobStatus][]contracts.JobStatus{
	contracts.JobPending:   {contracts.JobRunning, contracts.JobCancelled, contracts.JobFailed},
	contracts.JobRunning:   {contracts.JobRetrying, contracts.JobCompleted, contracts.JobFailed, contracts.JobCancelled},
	contracts.JobRetrying:  {contracts.JobRunning, contracts.JobCompleted, contracts.JobFailed, contracts.JobCancelled},
	contracts.JobCompleted: {},
	contracts.JobFailed:    {},
	contracts.JobCancelled: {},
}

// CanTransition checks if moving a job from one status to another is valid
func CanTransition(from, to contracts.JobStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status change
func Transition(from, to contracts.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", contracts.ErrInvalidTransition, from, to)
	}
	return nil
}
