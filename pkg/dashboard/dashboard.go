// Package dashboard projects a read-only summary from the state store
// and the audit log. The projector holds no state of its own: the full
// summary is recomputed from scratch every cycle, so a crash can never
// leave the view out of sync with the vault.
package dashboard

import (
	"time"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/store"
)

// DefaultActivityWindow is the recent-audit depth the summary shows
const DefaultActivityWindow = 15

// TaskRow summarizes one task for display
type TaskRow struct {
	Name       string     `json:"name"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	Domain     string     `json:"domain,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	Received   time.Time  `json:"received"`
}

// ApprovalRow summarizes one pending approval request
type ApprovalRow struct {
	Task     string    `json:"task"`
	Action   string    `json:"action"`
	Priority string    `json:"priority"`
	Alert    bool      `json:"alert"`
	Created  time.Time `json:"created"`
}

// PlanRow summarizes one open plan
type PlanRow struct {
	Name    string `json:"name"`
	Task    string `json:"task"`
	Outcome string `json:"outcome"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
}

// DeferredRow summarizes one deferred queue entry
type DeferredRow struct {
	ID      string    `json:"id"`
	Action  string    `json:"action"`
	Service string    `json:"service"`
	Status  string    `json:"status"`
	Queued  time.Time `json:"queued"`
}

// Summary is the full projection for one point in time
type Summary struct {
	GeneratedAt    time.Time     `json:"generated_at"`
	Pending        []TaskRow     `json:"pending"`
	InFlight       []TaskRow     `json:"in_flight"`
	Cooldowns      []TaskRow     `json:"cooldowns"`
	Approvals      []ApprovalRow `json:"approvals"`
	OpenPlans      []PlanRow     `json:"open_plans"`
	Deferred       []DeferredRow `json:"deferred"`
	CompletedToday int           `json:"completed_today"`
	Counts         StatusCounts  `json:"counts"`
	Activity       []audit.Entry `json:"activity"`
}

// StatusCounts tallies live tasks by status
type StatusCounts struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	AwaitingApproval int `json:"awaiting_approval"`
	ReadyToExecute   int `json:"ready_to_execute"`
	RetryQueued      int `json:"retry_queued"`
	Deferred         int `json:"deferred"`
	Terminal         int `json:"terminal"`
}

// PendingLister exposes the approval gate's pending pool to the
// projector without coupling it to the gate's write half.
type PendingLister interface {
	Pending() ([]*models.ApprovalRequest, error)
}

// AuditReader is the slice of the audit log the projector folds over
type AuditReader interface {
	Recent(n int) ([]audit.Entry, error)
}

// Project computes a summary from the store, the gate's pending pool,
// and the last n audit entries. Pure: no writes, no retained state.
func Project(st store.Store, gate PendingLister, log AuditReader, n int, now time.Time) (*Summary, error) {
	if n <= 0 {
		n = DefaultActivityWindow
	}

	tasks, err := st.ListTasks()
	if err != nil {
		return nil, err
	}

	summary := &Summary{GeneratedAt: now.UTC()}
	today := now.UTC().Format("2006-01-02")

	for _, t := range tasks {
		row := TaskRow{
			Name:       t.Name,
			Source:     string(t.Source),
			Status:     string(t.Status),
			Domain:     string(t.Domain),
			Priority:   t.Priority,
			RetryCount: t.RetryCount,
			RetryAfter: t.RetryAfter,
			Received:   t.Received,
		}

		switch t.Status {
		case models.TaskStatusPending:
			summary.Counts.Pending++
			summary.Pending = append(summary.Pending, row)
		case models.TaskStatusProcessing:
			summary.Counts.Processing++
			summary.InFlight = append(summary.InFlight, row)
		case models.TaskStatusAwaitingApproval:
			summary.Counts.AwaitingApproval++
			summary.InFlight = append(summary.InFlight, row)
		case models.TaskStatusReadyToExecute:
			summary.Counts.ReadyToExecute++
			summary.InFlight = append(summary.InFlight, row)
		case models.TaskStatusRetryQueued:
			summary.Counts.RetryQueued++
			if !t.Superseded() {
				summary.Cooldowns = append(summary.Cooldowns, row)
			}
		case models.TaskStatusDeferred:
			summary.Counts.Deferred++
			summary.InFlight = append(summary.InFlight, row)
		default:
			summary.Counts.Terminal++
			if t.CompletedAt != nil && t.CompletedAt.UTC().Format("2006-01-02") == today {
				summary.CompletedToday++
			}
		}
	}

	if gate != nil {
		pending, err := gate.Pending()
		if err != nil {
			return nil, err
		}
		for _, req := range pending {
			summary.Approvals = append(summary.Approvals, ApprovalRow{
				Task:     req.SourceTask,
				Action:   req.Action,
				Priority: req.Priority,
				Alert:    req.IsAlert(),
				Created:  req.CreatedAt,
			})
		}
	}

	plans, err := st.ListAllPlans()
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.Terminal() {
			continue
		}
		done := 0
		for _, item := range p.Checklist {
			if item.Done {
				done++
			}
		}
		summary.OpenPlans = append(summary.OpenPlans, PlanRow{
			Name:    p.Name,
			Task:    p.Task,
			Outcome: string(p.Outcome),
			Done:    done,
			Total:   len(p.Checklist),
		})
	}

	queue, err := st.ReadDeferredQueue()
	if err != nil {
		return nil, err
	}
	for _, d := range queue {
		if !d.Open() {
			continue
		}
		summary.Deferred = append(summary.Deferred, DeferredRow{
			ID:      d.ID,
			Action:  d.Action,
			Service: d.Service,
			Status:  string(d.Status),
			Queued:  d.QueuedAt,
		})
	}

	if log != nil {
		activity, err := log.Recent(n)
		if err != nil {
			return nil, err
		}
		summary.Activity = activity
	}
	return summary, nil
}
