package models

import (
	"time"
)

// PlanOutcome tracks each plan's end state independently of its task.
// Under a domain split the parent task only completes when both plans
// are terminal.
type PlanOutcome string

const (
	PlanOutcomePending   PlanOutcome = "pending"
	PlanOutcomeCompleted PlanOutcome = "completed"
	PlanOutcomeRejected  PlanOutcome = "rejected"
)

// ChecklistItem is one actionable step in a plan
type ChecklistItem struct {
	Text string `json:"text" yaml:"text"`
	Done bool   `json:"done" yaml:"done"`
}

// Plan is the actionable checklist derived from a task. A task owns one
// plan, or two under the domain-split rule (one labeled per domain).
type Plan struct {
	Name            string          `json:"name" yaml:"name"`
	Task            string          `json:"task" yaml:"task"`
	Label           string          `json:"label,omitempty" yaml:"label,omitempty"`
	Category        string          `json:"category" yaml:"category"`
	Source          Source          `json:"source" yaml:"source"`
	Domain          Domain          `json:"domain" yaml:"domain"`
	Sensitive       bool            `json:"sensitive" yaml:"sensitive"`
	Checklist       []ChecklistItem `json:"checklist" yaml:"checklist"`
	OriginalContent string          `json:"original_content" yaml:"original_content"`
	AgentNotes      string          `json:"agent_notes,omitempty" yaml:"agent_notes,omitempty"`
	Outcome         PlanOutcome     `json:"outcome" yaml:"outcome"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
}

// Terminal reports whether the plan has reached an end state
func (p *Plan) Terminal() bool {
	return p.Outcome == PlanOutcomeCompleted || p.Outcome == PlanOutcomeRejected
}

// CheckOff marks the first unchecked item matching text as done.
// Returns false if no such item exists.
func (p *Plan) CheckOff(text string) bool {
	for i := range p.Checklist {
		if !p.Checklist[i].Done && p.Checklist[i].Text == text {
			p.Checklist[i].Done = true
			return true
		}
	}
	return false
}
