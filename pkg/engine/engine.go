// Package engine drives one batch cycle over the vault: sweep, route,
// gate, execute, reconcile, project. Execution side effects go through
// the Executor collaborator; the engine itself only moves state.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskvault/taskvault/pkg/approval"
	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/classify"
	"github.com/taskvault/taskvault/pkg/dashboard"
	"github.com/taskvault/taskvault/pkg/escalate"
	"github.com/taskvault/taskvault/pkg/ingest"
	"github.com/taskvault/taskvault/pkg/logging"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/rules"
	"github.com/taskvault/taskvault/pkg/store"
)

// Action is the execution request handed to the external collaborator
type Action struct {
	Type    string                 `json:"type"`
	Task    string                 `json:"task"`
	Payload map[string]interface{} `json:"payload"`
}

// Executor performs externally visible actions (email send, posting,
// payment). The engine never reaches into third-party systems itself.
type Executor interface {
	Execute(ctx context.Context, action Action) error
}

// Ledger answers read-only cross-check queries (invoice records,
// balances, contact lookups) requested by the rule engine.
type Ledger interface {
	Lookup(ctx context.Context, kind, query string) (string, error)
}

// Options wires an Engine
type Options struct {
	VaultDir       string
	Store          store.Store
	Gate           *approval.Gate
	Audit          *audit.Log
	Classifier     *classify.Classifier
	Rules          *rules.Engine
	Ladder         *escalate.Ladder
	Executor       Executor
	Ledger         Ledger
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	ExecTimeout    time.Duration
	ActivityWindow int
	DiskLimitPct   float64
	SkipLock       bool // tests drive cycles without a lock file
}

// Engine runs batch cycles
type Engine struct {
	opts     Options
	admitter *ingest.Admitter
	now      func() time.Time
}

// New builds an engine from wired collaborators
func New(opts Options) *Engine {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 2 * time.Minute
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = dashboard.DefaultActivityWindow
	}
	if opts.DiskLimitPct <= 0 {
		opts.DiskLimitPct = 95.0
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Engine{
		opts:     opts,
		admitter: ingest.NewAdmitter(opts.Store, opts.Audit),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests only)
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RunCycle executes one complete batch cycle. The returned error is
// non-nil only for cycle-fatal conditions (lock contention, store
// unavailability, disk preflight); per-task failures are absorbed by
// the escalation ladder.
func (e *Engine) RunCycle(ctx context.Context) error {
	started := e.now()
	log := e.opts.Logger

	if !e.opts.SkipLock {
		lock, err := AcquireLock(e.opts.VaultDir)
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		defer lock.Release()
	}

	if err := CheckDisk(e.opts.VaultDir, e.opts.DiskLimitPct); err != nil {
		log.Error("Disk preflight failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	if err := e.audit(audit.Entry{ActionType: audit.ActionCycleStart, Actor: audit.ActorEngine, Target: "cycle"}); err != nil {
		return err
	}

	var cycleErrs []string
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"sweep", e.sweepInbox},
		{"cooldowns", e.releaseCooldowns},
		{"route", e.routePending},
		{"gate", e.pollGate},
		{"execute", e.executeReady},
		{"reconcile", e.reconcileSplits},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(ctx); err != nil {
			// A failing step never hides the later ones; errors are
			// collected and surfaced together.
			log.Error("Cycle step failed", map[string]interface{}{"step": step.name, "error": err.Error()})
			cycleErrs = append(cycleErrs, fmt.Sprintf("%s: %v", step.name, err))
		}
	}

	if err := e.project(); err != nil {
		cycleErrs = append(cycleErrs, fmt.Sprintf("project: %v", err))
	}

	elapsed := e.now().Sub(started)
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveCycle(elapsed)
	}
	if err := e.audit(audit.Entry{
		ActionType: audit.ActionCycleEnd,
		Actor:      audit.ActorEngine,
		Target:     "cycle",
		Parameters: map[string]interface{}{"duration_ms": elapsed.Milliseconds(), "errors": len(cycleErrs)},
	}); err != nil {
		return err
	}

	if len(cycleErrs) > 0 {
		return fmt.Errorf("cycle completed with errors: %s", strings.Join(cycleErrs, "; "))
	}
	log.Info("Cycle complete", map[string]interface{}{"duration": elapsed.String()})
	return nil
}

// ── cycle steps ──

func (e *Engine) sweepInbox(context.Context) error {
	inbox := filepath.Join(e.opts.VaultDir, store.DirInbox)
	results, err := e.admitter.SweepInbox(inbox)
	if err != nil {
		return err
	}
	for _, res := range results {
		if e.opts.Metrics == nil {
			continue
		}
		if res.Skipped {
			e.opts.Metrics.TasksSkipped.Inc()
		} else {
			e.opts.Metrics.TasksIngested.Inc()
		}
	}
	return nil
}

// releaseCooldowns moves requeued tasks whose cooldown has elapsed back
// into pending. Superseded records stay put.
func (e *Engine) releaseCooldowns(ctx context.Context) error {
	tasks, err := e.opts.Store.ListTasks()
	if err != nil {
		return err
	}
	now := e.now().UTC()
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Status != models.TaskStatusRetryQueued || t.Superseded() {
			continue
		}
		if t.InCooldown(now) {
			continue
		}
		if err := e.transition(t.Name, models.TaskStatusPending, "cooldown elapsed"); err != nil {
			return err
		}
	}
	return nil
}

// routePending classifies each pending task and routes it per the rule
// engine's decision: approval request, execution plan, or domain split.
func (e *Engine) routePending(ctx context.Context) error {
	tasks, err := e.opts.Store.ListTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Status != models.TaskStatusPending {
			continue
		}
		if err := e.routeOne(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) routeOne(ctx context.Context, t *models.Task) error {
	if err := e.transition(t.Name, models.TaskStatusProcessing, "cycle pickup"); err != nil {
		return err
	}
	// Reload so the sidecar update below carries the new status
	t, err := e.opts.Store.GetTask(t.Name)
	if err != nil {
		return err
	}

	res := e.opts.Classifier.Classify(t.Content, t.Source, t.Meta)
	decision := e.opts.Rules.Evaluate(res, t.Source)

	t.Domain = decision.Domain
	t.Sensitive = decision.Sensitive
	t.Priority = decision.Priority
	t.Category = res.Category
	t.RuleApplied = decision.RuleApplied
	t.Signals = res.Signals()
	if err := e.opts.Store.UpdateTask(t); err != nil {
		return err
	}

	notes := e.runCrossChecks(ctx, t, decision.CrossChecks)

	switch decision.Route {
	case rules.RouteSplit:
		if err := e.createPlan(t, models.DomainBusiness, res, decision, notes); err != nil {
			return err
		}
		if err := e.createPlan(t, models.DomainPersonal, res, decision, notes); err != nil {
			return err
		}
		return e.transition(t.Name, models.TaskStatusAwaitingApproval, "split across domains")

	case rules.RouteApproval:
		if err := e.createApproval(t, res, decision); err != nil {
			return err
		}
		return e.transition(t.Name, models.TaskStatusAwaitingApproval, decision.Description)

	default:
		if err := e.createPlan(t, decision.Domain, res, decision, notes); err != nil {
			return err
		}
		return e.transition(t.Name, models.TaskStatusReadyToExecute, decision.Description)
	}
}

// runCrossChecks queries the ledger read-only for each check the rule
// requested. Failures never block routing; they land in the notes.
func (e *Engine) runCrossChecks(ctx context.Context, t *models.Task, checks []string) []string {
	if e.opts.Ledger == nil || len(checks) == 0 {
		return nil
	}
	var notes []string
	for _, kind := range checks {
		result, err := e.opts.Ledger.Lookup(ctx, kind, t.Content)
		entry := audit.Entry{
			ActionType: audit.ActionCrossCheck,
			Actor:      audit.ActorEngine,
			Target:     t.Name,
			Parameters: map[string]interface{}{"kind": kind},
		}
		if err != nil {
			entry.Result = audit.ResultFail
			entry.Error = err.Error()
			notes = append(notes, fmt.Sprintf("%s check failed: %v", kind, err))
		} else {
			notes = append(notes, fmt.Sprintf("%s check: %s", kind, result))
		}
		if aerr := e.audit(entry); aerr != nil {
			notes = append(notes, fmt.Sprintf("audit failed: %v", aerr))
		}
	}
	return notes
}

func (e *Engine) createPlan(t *models.Task, domain models.Domain, res classify.Result, decision rules.Decision, notes []string) error {
	label := strings.ToUpper(string(domain))
	plan := &models.Plan{
		Name:            label + "_" + t.Name,
		Task:            t.Name,
		Label:           label,
		Category:        res.Category,
		Source:          t.Source,
		Domain:          domain,
		Sensitive:       decision.Sensitive,
		Checklist:       buildChecklist(res, decision),
		OriginalContent: t.Content,
		AgentNotes:      strings.Join(notes, "\n"),
		CreatedAt:       e.now().UTC(),
	}
	if err := e.opts.Store.SavePlan(plan); err != nil {
		return err
	}

	t.PlanRefs = appendUnique(t.PlanRefs, plan.Name)
	if err := e.opts.Store.UpdateTask(t); err != nil {
		return err
	}

	return e.audit(audit.Entry{
		ActionType: audit.ActionPlanCreated,
		Actor:      audit.ActorEngine,
		Target:     plan.Name,
		Parameters: map[string]interface{}{"task": t.Name, "domain": string(domain), "rule": decision.RuleApplied},
	})
}

func (e *Engine) createApproval(t *models.Task, res classify.Result, decision rules.Decision) error {
	risks := []models.RiskEntry{
		{Risk: "externally visible action", Level: "medium", Notes: string(t.Source)},
	}
	if res.Monetary {
		risks = append(risks, models.RiskEntry{Risk: "monetary transfer", Level: "high", Notes: "amount mentioned in content"})
	}
	if res.Urgent {
		risks = append(risks, models.RiskEntry{Risk: "urgency pressure", Level: "medium", Notes: "urgent wording detected"})
	}

	_, err := e.opts.Gate.Create(&models.ApprovalRequest{
		Action:       actionFor(t),
		SourceTask:   t.Name,
		Priority:     decision.Priority,
		DraftContent: t.Content,
		Risks:        risks,
	})
	return err
}

// pollGate observes human decisions from the approval pools and applies
// them: approvals release execution, rejections terminate, alert
// approvals replay their deferred payloads.
func (e *Engine) pollGate(ctx context.Context) error {
	signals, err := e.opts.Gate.Poll()
	if err != nil {
		return err
	}

	for _, req := range signals.Approved {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.IsAlert() {
			replayed, err := e.replayDeferred(ctx, req)
			if err != nil {
				return err
			}
			if !replayed {
				// The deferred action is still pending: hand the
				// decision back to the human for another round.
				if err := e.opts.Gate.Reissue(req); err != nil {
					return err
				}
				continue
			}
		} else {
			if err := e.transition(req.SourceTask, models.TaskStatusReadyToExecute, "human approval"); err != nil && err != store.ErrTaskNotFound {
				return err
			}
		}
		if err := e.opts.Gate.Consume(req); err != nil {
			return err
		}
	}

	for _, req := range signals.Rejected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.IsAlert() {
			if err := e.dismissDeferred(req.DeferredID); err != nil {
				return err
			}
		} else {
			if err := e.rejectTask(req.SourceTask); err != nil {
				return err
			}
		}
		if err := e.opts.Gate.Consume(req); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rejectTask(name string) error {
	if err := e.transition(name, models.TaskStatusRejected, "human rejection"); err != nil {
		if err == store.ErrTaskNotFound {
			return nil
		}
		return err
	}
	if err := e.finishPlans(name, models.PlanOutcomeRejected); err != nil {
		return err
	}
	return e.opts.Store.ArchiveTask(name)
}

// replayDeferred re-invokes execution from the preserved payload after
// a human approved the alert. The payload alone drives the action; the
// source task may already be archived. The returned bool is false when
// the action failed again and the entry remains open.
func (e *Engine) replayDeferred(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	queue, err := e.opts.Store.ReadDeferredQueue()
	if err != nil {
		return false, err
	}

	var entry *models.DeferredEntry
	for _, d := range queue {
		if d.ID == req.DeferredID {
			entry = d
			break
		}
	}
	if entry == nil || !entry.Open() {
		return true, nil
	}

	action := Action{
		Type:    entry.Action,
		Task:    entry.Task,
		Payload: entry.Payload,
	}
	execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
	err = e.opts.Executor.Execute(execCtx, action)
	cancel()

	if e.opts.Metrics != nil {
		e.opts.Metrics.ExecuteAttempts.Inc()
		if err != nil {
			e.opts.Metrics.ExecuteFailures.Inc()
		}
	}

	auditEntry := audit.Entry{
		ActionType: audit.ActionDeferredReplay,
		Actor:      audit.ActorEngine,
		Target:     entry.Task,
		Parameters: map[string]interface{}{"deferred_id": entry.ID, "action": entry.Action},
	}
	if err != nil {
		entry.Status = models.DeferredStatusRetried
		auditEntry.Result = audit.ResultFail
		auditEntry.Error = err.Error()
	} else {
		entry.Status = models.DeferredStatusResolved
	}
	if aerr := e.audit(auditEntry); aerr != nil {
		return false, aerr
	}
	if err := e.opts.Store.WriteDeferredQueue(queue); err != nil {
		return false, err
	}
	if err != nil {
		return false, nil
	}

	// Success: the parked task can finish and leave the live pool
	if _, gerr := e.opts.Store.GetTask(entry.Task); gerr == nil {
		if terr := e.transition(entry.Task, models.TaskStatusComplete, "deferred action replayed"); terr == nil {
			if err := e.finishPlans(entry.Task, models.PlanOutcomeCompleted); err != nil {
				return false, err
			}
			return true, e.opts.Store.ArchiveTask(entry.Task)
		}
	}
	return true, nil
}

// dismissDeferred marks the entry dismissed; the parked task keeps its
// deferred status as the record of the dropped action.
func (e *Engine) dismissDeferred(id string) error {
	queue, err := e.opts.Store.ReadDeferredQueue()
	if err != nil {
		return err
	}
	for _, d := range queue {
		if d.ID == id && d.Open() {
			d.Status = models.DeferredStatusDismissed
		}
	}
	return e.opts.Store.WriteDeferredQueue(queue)
}

// executeReady runs every ready_to_execute task through the executor,
// with the escalation ladder absorbing failures.
func (e *Engine) executeReady(ctx context.Context) error {
	tasks, err := e.opts.Store.ListTasks()
	if err != nil {
		return err
	}

	var fatal []string
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Status != models.TaskStatusReadyToExecute {
			continue
		}

		action := Action{
			Type: actionFor(t),
			Task: t.Name,
			Payload: map[string]interface{}{
				"content":  t.Content,
				"source":   string(t.Source),
				"category": t.Category,
			},
		}

		outcome, err := e.opts.Ladder.Escalate(ctx, t, action.Type, action.Payload, func() error {
			execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
			defer cancel()
			return e.opts.Executor.Execute(execCtx, action)
		})

		if e.opts.Metrics != nil {
			switch outcome {
			case escalate.OutcomeRequeued:
				e.opts.Metrics.Requeues.Inc()
			case escalate.OutcomeDeferred:
				e.opts.Metrics.Deferrals.Inc()
			}
		}

		switch outcome {
		case escalate.OutcomeSuccess:
			if err := e.audit(audit.Entry{
				ActionType: audit.ActionExecuteResult,
				Actor:      audit.ActorEngine,
				Target:     t.Name,
				Parameters: map[string]interface{}{"action": action.Type},
			}); err != nil {
				return err
			}
			if err := e.transition(t.Name, models.TaskStatusComplete, "executed"); err != nil {
				return err
			}
			if err := e.finishPlans(t.Name, models.PlanOutcomeCompleted); err != nil {
				return err
			}
			if err := e.opts.Store.ArchiveTask(t.Name); err != nil {
				return err
			}

		case escalate.OutcomeFatal:
			if ctx.Err() != nil {
				return err
			}
			fatal = append(fatal, err.Error())
		}
		// Requeued and deferred outcomes already updated state through
		// the ladder; the cycle moves on.
	}

	if len(fatal) > 0 {
		return fmt.Errorf("fatal execution errors: %s", strings.Join(fatal, "; "))
	}
	return nil
}

// reconcileSplits closes split tasks whose child plans are all
// terminal: both completed → complete, both rejected → rejected,
// mixed → partial.
func (e *Engine) reconcileSplits(ctx context.Context) error {
	tasks, err := e.opts.Store.ListTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Status != models.TaskStatusAwaitingApproval || len(t.PlanRefs) < 2 {
			continue
		}

		completed, rejected, open := 0, 0, 0
		for _, ref := range t.PlanRefs {
			plan, err := e.opts.Store.GetPlan(ref)
			if err != nil {
				return err
			}
			switch plan.Outcome {
			case models.PlanOutcomeCompleted:
				completed++
			case models.PlanOutcomeRejected:
				rejected++
			default:
				open++
			}
		}
		if open > 0 {
			continue
		}

		var to models.TaskStatus
		switch {
		case rejected == 0:
			to = models.TaskStatusComplete
		case completed == 0:
			to = models.TaskStatusRejected
		default:
			to = models.TaskStatusPartial
		}
		if err := e.transition(t.Name, to, "split plans reconciled"); err != nil {
			return err
		}
		if err := e.opts.Store.ArchiveTask(t.Name); err != nil {
			return err
		}
	}
	return nil
}

// project rebuilds the dashboard document from scratch
func (e *Engine) project() error {
	var lister dashboard.PendingLister
	if e.opts.Gate != nil {
		lister = e.opts.Gate
	}
	var reader dashboard.AuditReader
	if e.opts.Audit != nil {
		reader = e.opts.Audit
	}
	summary, err := dashboard.Project(e.opts.Store, lister, reader, e.opts.ActivityWindow, e.now())
	if err != nil {
		return err
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.PendingTasks.Set(float64(summary.Counts.Pending))
		e.opts.Metrics.DeferredOpen.Set(float64(len(summary.Deferred)))
	}
	if e.opts.VaultDir == "" {
		return nil
	}
	return dashboard.WriteFile(filepath.Join(e.opts.VaultDir, "dashboard.md"), summary)
}

// ── helpers ──

func (e *Engine) transition(name string, to models.TaskStatus, reason string) error {
	changed, err := e.opts.Store.TransitionTask(name, to, reason)
	if err != nil {
		return err
	}
	if changed && e.opts.Metrics != nil {
		e.opts.Metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
	return nil
}

// finishPlans stamps the task's plans with a terminal outcome
func (e *Engine) finishPlans(taskName string, outcome models.PlanOutcome) error {
	plans, err := e.opts.Store.ListPlans(taskName)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.Terminal() {
			continue
		}
		p.Outcome = outcome
		p.CheckOff("Confirm outcome")
		if err := e.opts.Store.SavePlan(p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) audit(entry audit.Entry) error {
	if e.opts.Audit == nil {
		return nil
	}
	return e.opts.Audit.Append(entry)
}

// actionFor maps a routed task to its executor action type
func actionFor(t *models.Task) string {
	switch t.Category {
	case classify.CategoryPayment:
		return "send_payment"
	case classify.CategoryExternalComms:
		switch t.Source {
		case models.SourceLinkedIn:
			return "post_update"
		case models.SourceWhatsApp:
			return "send_message"
		default:
			return "send_email"
		}
	default:
		return "complete_task"
	}
}

// buildChecklist derives the plan checklist from the routing decision
func buildChecklist(res classify.Result, decision rules.Decision) []models.ChecklistItem {
	items := []models.ChecklistItem{{Text: "Review task details"}}
	for _, check := range decision.CrossChecks {
		items = append(items, models.ChecklistItem{Text: fmt.Sprintf("Verify %s cross-check result", check)})
	}
	if res.Monetary {
		items = append(items, models.ChecklistItem{Text: "Confirm monetary amount and recipient"})
	}
	if decision.Sensitive {
		items = append(items, models.ChecklistItem{Text: "Await human approval before any external action"})
	}
	if decision.Split {
		items = append(items, models.ChecklistItem{Text: "Coordinate with sibling domain plan"})
	}
	items = append(items, models.ChecklistItem{Text: "Confirm outcome"})
	return items
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
