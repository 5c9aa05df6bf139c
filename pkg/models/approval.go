package models

import (
	"time"
)

// ApprovalStatus is set only by an external human action (file
// relocation between pools). The orchestrator never writes approved
// or rejected itself.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RiskEntry is one row of the risk table shown to the approver
type RiskEntry struct {
	Risk  string `json:"risk" yaml:"risk"`
	Level string `json:"level" yaml:"level"`
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ApprovalRequest models the human checkpoint for a sensitive action.
// One request exists per task; deferred-entry alerts reuse the same
// shape with DeferredID set.
type ApprovalRequest struct {
	ID           string         `json:"id" yaml:"id"`
	Action       string         `json:"action" yaml:"action"`
	SourceTask   string         `json:"source_task" yaml:"source_task"`
	Priority     string         `json:"priority" yaml:"priority"`
	Status       ApprovalStatus `json:"status" yaml:"status"`
	DraftContent string         `json:"draft_content,omitempty" yaml:"draft_content,omitempty"`
	Risks        []RiskEntry    `json:"risk_table,omitempty" yaml:"risk_table,omitempty"`
	DeferredID   string         `json:"deferred_entry_id,omitempty" yaml:"deferred_entry_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
}

// IsAlert reports whether this request is a tier-3 failure alert
// rather than a pre-execution approval.
func (r *ApprovalRequest) IsAlert() bool {
	return r.DeferredID != ""
}
