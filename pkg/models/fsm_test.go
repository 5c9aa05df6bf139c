package models

import (
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Processing", TaskStatusPending, TaskStatusProcessing, false},
		{"Processing to AwaitingApproval", TaskStatusProcessing, TaskStatusAwaitingApproval, false},
		{"Processing to ReadyToExecute", TaskStatusProcessing, TaskStatusReadyToExecute, false},
		{"AwaitingApproval to Complete", TaskStatusAwaitingApproval, TaskStatusComplete, false},
		{"AwaitingApproval to Rejected", TaskStatusAwaitingApproval, TaskStatusRejected, false},
		{"AwaitingApproval to Partial", TaskStatusAwaitingApproval, TaskStatusPartial, false},
		{"ReadyToExecute to Complete", TaskStatusReadyToExecute, TaskStatusComplete, false},
		{"ReadyToExecute to RetryQueued", TaskStatusReadyToExecute, TaskStatusRetryQueued, false},
		{"ReadyToExecute to Deferred", TaskStatusReadyToExecute, TaskStatusDeferred, false},
		{"RetryQueued to Pending", TaskStatusRetryQueued, TaskStatusPending, false},
		{"Deferred to Complete", TaskStatusDeferred, TaskStatusComplete, false},

		// Invalid transitions
		{"Pending to Complete", TaskStatusPending, TaskStatusComplete, true},
		{"Pending to ReadyToExecute", TaskStatusPending, TaskStatusReadyToExecute, true},
		{"Processing to Complete", TaskStatusProcessing, TaskStatusComplete, true},
		{"ReadyToExecute to Rejected", TaskStatusReadyToExecute, TaskStatusRejected, true},
		{"Complete to anything", TaskStatusComplete, TaskStatusPending, true},
		{"Rejected to Pending", TaskStatusRejected, TaskStatusPending, true},
		{"Partial to Complete", TaskStatusPartial, TaskStatusComplete, true},
		{"Deferred to Rejected", TaskStatusDeferred, TaskStatusRejected, true},
		{"RetryQueued to Processing", TaskStatusRetryQueued, TaskStatusProcessing, true},
		{"Unknown source state", TaskStatus("bogus"), TaskStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		name     string
		state    TaskStatus
		expected bool
	}{
		{"Complete is terminal", TaskStatusComplete, true},
		{"Rejected is terminal", TaskStatusRejected, true},
		{"Partial is terminal", TaskStatusPartial, true},
		{"Pending is not terminal", TaskStatusPending, false},
		{"Processing is not terminal", TaskStatusProcessing, false},
		{"RetryQueued is not terminal", TaskStatusRetryQueued, false},
		{"Deferred is not terminal", TaskStatusDeferred, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalState(tt.state)
			if result != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestIsActiveState(t *testing.T) {
	tests := []struct {
		name     string
		state    TaskStatus
		expected bool
	}{
		{"Pending is active", TaskStatusPending, true},
		{"Processing is active", TaskStatusProcessing, true},
		{"AwaitingApproval is active", TaskStatusAwaitingApproval, true},
		{"ReadyToExecute is active", TaskStatusReadyToExecute, true},
		{"RetryQueued is not active", TaskStatusRetryQueued, false},
		{"Deferred is not active", TaskStatusDeferred, false},
		{"Complete is not active", TaskStatusComplete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsActiveState(tt.state)
			if result != tt.expected {
				t.Errorf("IsActiveState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestAwaitsHuman(t *testing.T) {
	if !AwaitsHuman(TaskStatusAwaitingApproval) {
		t.Error("AwaitingApproval should await human")
	}
	if !AwaitsHuman(TaskStatusDeferred) {
		t.Error("Deferred should await human")
	}
	if AwaitsHuman(TaskStatusReadyToExecute) {
		t.Error("ReadyToExecute should not await human")
	}
}

func TestInCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	tests := []struct {
		name     string
		task     Task
		expected bool
	}{
		{"requeued task before retry_after", Task{Status: TaskStatusRetryQueued, RetryAfter: &later}, true},
		{"requeued task after retry_after", Task{Status: TaskStatusRetryQueued, RetryAfter: &now}, false},
		{"requeued task without retry_after", Task{Status: TaskStatusRetryQueued}, false},
		{"pending task with retry_after", Task{Status: TaskStatusPending, RetryAfter: &later}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.InCooldown(now.Add(time.Minute)); got != tt.expected {
				t.Errorf("InCooldown() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPriorityWeight(t *testing.T) {
	if PriorityWeight(PriorityHigh) <= PriorityWeight(PriorityMedium) {
		t.Error("high should outweigh medium")
	}
	if PriorityWeight(PriorityMedium) <= PriorityWeight(PriorityLow) {
		t.Error("medium should outweigh low")
	}
	if PriorityWeight("") != PriorityWeight(PriorityMedium) {
		t.Error("unset priority should default to medium weight")
	}
}
