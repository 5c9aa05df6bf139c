package models

import (
	"time"
)

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusProcessing       TaskStatus = "processing"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusReadyToExecute   TaskStatus = "ready_to_execute"
	TaskStatusComplete         TaskStatus = "complete"
	TaskStatusRejected         TaskStatus = "rejected"
	TaskStatusRetryQueued      TaskStatus = "retry_queued"
	TaskStatusDeferred         TaskStatus = "deferred"
	TaskStatusPartial          TaskStatus = "partial"
)

// Source identifies where a task was ingested from
type Source string

const (
	SourceInbox    Source = "inbox"
	SourceEmail    Source = "email"
	SourceWhatsApp Source = "whatsapp"
	SourceLinkedIn Source = "linkedin"
)

// Domain classifies a task as personal, business, or both
type Domain string

const (
	DomainPersonal Domain = "personal"
	DomainBusiness Domain = "business"
	DomainBoth     Domain = "both"
)

// Priority levels for tasks and approval requests
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Task represents a unit of ingested work tracked through the pipeline.
// The Name field is the stable identity derived from source and content.
type Task struct {
	Name         string            `json:"name"`
	Identity     string            `json:"identity"`
	Content      string            `json:"-"`
	Source       Source            `json:"source"`
	Status       TaskStatus        `json:"status"`
	Domain       Domain            `json:"domain,omitempty"`
	Sensitive    bool              `json:"sensitive"`
	Priority     string            `json:"priority,omitempty"`
	Category     string            `json:"category,omitempty"`
	RuleApplied  string            `json:"rule_applied,omitempty"`
	Signals      []string          `json:"signals,omitempty"`
	RetryCount   int               `json:"retry_count"`
	RetryAfter   *time.Time        `json:"retry_after,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	PlanRefs     []string          `json:"plan_refs,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	Error        string            `json:"error,omitempty"`
	Received     time.Time         `json:"received"`
	LastUpdated  time.Time         `json:"last_updated"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Transitions  []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks task status changes with timestamps
type StateTransition struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// InCooldown reports whether the task is a requeued retry whose
// cooldown window has not yet elapsed.
func (t *Task) InCooldown(now time.Time) bool {
	return t.Status == TaskStatusRetryQueued && t.RetryAfter != nil && now.Before(*t.RetryAfter)
}

// Superseded reports whether a successor task has replaced this record.
func (t *Task) Superseded() bool {
	return t.SupersededBy != ""
}

// PriorityWeight returns a numeric weight for priority ordering
func PriorityWeight(priority string) int {
	switch priority {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ValidSource reports whether s is one of the fixed source tags
func ValidSource(s Source) bool {
	switch s {
	case SourceInbox, SourceEmail, SourceWhatsApp, SourceLinkedIn:
		return true
	}
	return false
}
