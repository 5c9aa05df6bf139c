package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusProcessing: true, // Pending → Processing (classification complete, plans generated)
	},
	TaskStatusProcessing: {
		TaskStatusAwaitingApproval: true, // Processing → AwaitingApproval (sensitive flag set)
		TaskStatusReadyToExecute:   true, // Processing → ReadyToExecute (not sensitive)
	},
	TaskStatusAwaitingApproval: {
		TaskStatusComplete:    true, // AwaitingApproval → Complete (approved + executed)
		TaskStatusRejected:    true, // AwaitingApproval → Rejected (external rejection)
		TaskStatusRetryQueued: true, // AwaitingApproval → RetryQueued (approved execution failed, non-critical)
		TaskStatusDeferred:    true, // AwaitingApproval → Deferred (approved execution failed, critical)
		TaskStatusPartial:     true, // AwaitingApproval → Partial (split plans with mixed outcomes)
	},
	TaskStatusReadyToExecute: {
		TaskStatusComplete:    true, // ReadyToExecute → Complete (execution succeeded)
		TaskStatusRetryQueued: true, // ReadyToExecute → RetryQueued (ladder tier 2)
		TaskStatusDeferred:    true, // ReadyToExecute → Deferred (ladder tier 3)
		TaskStatusPartial:     true, // ReadyToExecute → Partial (split plans with mixed outcomes)
	},
	TaskStatusRetryQueued: {
		TaskStatusPending: true, // RetryQueued → Pending (cooldown elapsed)
	},
	TaskStatusDeferred: {
		TaskStatusComplete: true, // Deferred → Complete (human-approved replay succeeded)
	},
	// Terminal states (no transitions allowed)
	TaskStatusComplete: {},
	TaskStatusRejected: {},
	TaskStatusPartial:  {},
}

// ValidateTransition checks if a status transition is valid
func ValidateTransition(from, to TaskStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions).
// Deferred is terminal by convention once its deferred entry is dismissed,
// but the status itself still admits a human-approved replay to complete.
func IsTerminalState(state TaskStatus) bool {
	return state == TaskStatusComplete || state == TaskStatusRejected || state == TaskStatusPartial
}

// IsActiveState returns true if the task is still moving through the cycle
func IsActiveState(state TaskStatus) bool {
	switch state {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusAwaitingApproval, TaskStatusReadyToExecute:
		return true
	}
	return false
}

// AwaitsHuman returns true if the state only advances on an external signal
func AwaitsHuman(state TaskStatus) bool {
	return state == TaskStatusAwaitingApproval || state == TaskStatusDeferred
}
