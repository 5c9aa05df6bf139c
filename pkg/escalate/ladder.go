package escalate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/store"
)

// DefaultMaxRetries bounds cooldown requeues per task lineage
const DefaultMaxRetries = 3

// DefaultCooldown is the wait before a requeued task becomes eligible
const DefaultCooldown = time.Hour

// transientDelays are the waits between tier-1 attempts (31s total)
var transientDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Sleeper abstracts the inter-attempt wait so tests run instantly
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Alerter creates the human-addressed alert artifact for tier 3
type Alerter interface {
	CreateAlert(req *models.ApprovalRequest) error
}

// Outcome reports where the ladder left a failed action
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRequeued Outcome = "requeued"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFatal    Outcome = "fatal"
)

// Ladder dispatches failed executions through the three tiers
type Ladder struct {
	store      store.Store
	rec        store.Recorder
	classifier *Classifier
	alerter    Alerter
	maxRetries int
	cooldown   time.Duration
	sleeper    Sleeper
	now        func() time.Time
	newID      func() string
	attempts   prometheus.Counter
	failures   prometheus.Counter
}

// NewLadder builds a ladder with default retry bounds
func NewLadder(st store.Store, rec store.Recorder, cl *Classifier, alerter Alerter) *Ladder {
	return &Ladder{
		store:      st,
		rec:        rec,
		classifier: cl,
		alerter:    alerter,
		maxRetries: DefaultMaxRetries,
		cooldown:   DefaultCooldown,
		sleeper:    realSleeper{},
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// SetSleeper overrides the inter-attempt wait (tests only)
func (l *Ladder) SetSleeper(s Sleeper) { l.sleeper = s }

// SetClock overrides the time source (tests only)
func (l *Ladder) SetClock(now func() time.Time) { l.now = now }

// SetMaxRetries overrides the requeue ceiling
func (l *Ladder) SetMaxRetries(n int) { l.maxRetries = n }

// SetCooldown overrides the tier-2 requeue wait
func (l *Ladder) SetCooldown(d time.Duration) {
	if d > 0 {
		l.cooldown = d
	}
}

// SetCounters wires attempt and failure counters into the audited
// attempt path
func (l *Ladder) SetCounters(attempts, failures prometheus.Counter) {
	l.attempts = attempts
	l.failures = failures
}

// Escalate executes fn for a task's action and walks the ladder on
// failure. Transient errors get the tier-1 attempt sequence; exhaustion
// and permanent errors requeue with a cooldown while retry budget
// remains; critical errors and exhausted budgets degrade into the
// deferred queue. Logic and unknown errors are never auto-retried: they
// degrade for human review and surface as the returned error.
func (l *Ladder) Escalate(ctx context.Context, task *models.Task, action string, payload map[string]interface{}, fn func() error) (Outcome, error) {
	err := l.attempt(task, action, 1, fn)
	if err == nil {
		return OutcomeSuccess, nil
	}

	class := l.classifier.Classify(err)

	if class == ClassTransient {
		err = l.retryTransient(ctx, task, action, fn)
		if err == nil {
			return OutcomeSuccess, nil
		}
		if ctx.Err() != nil {
			return OutcomeFatal, err
		}
		class = l.classifier.Classify(err)
	}

	switch {
	case class == ClassLogic || class == ClassUnknown:
		if derr := l.Degrade(task, action, payload, err); derr != nil {
			return OutcomeFatal, derr
		}
		return OutcomeFatal, fmt.Errorf("%s failure on %s requires a fix: %w", class, task.Name, err)

	case class == ClassCritical || task.RetryCount >= l.maxRetries:
		if derr := l.Degrade(task, action, payload, err); derr != nil {
			return OutcomeFatal, derr
		}
		return OutcomeDeferred, nil

	default:
		if _, rerr := l.Requeue(task, err); rerr != nil {
			return OutcomeFatal, rerr
		}
		return OutcomeRequeued, nil
	}
}

// retryTransient runs the remaining tier-1 attempts with the fixed
// delay schedule. Each failed attempt is audited before its wait.
func (l *Ladder) retryTransient(ctx context.Context, task *models.Task, action string, fn func() error) error {
	var lastErr error
	for i, delay := range transientDelays {
		if err := l.sleeper.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = l.attempt(task, action, i+2, fn)
		if lastErr == nil {
			return nil
		}
		if l.classifier.Classify(lastErr) != ClassTransient {
			return lastErr
		}
	}
	return fmt.Errorf("transient retries exhausted: %w", lastErr)
}

// attempt runs fn once, counts it, and audits the result
func (l *Ladder) attempt(task *models.Task, action string, n int, fn func() error) error {
	err := fn()

	if l.attempts != nil {
		l.attempts.Inc()
	}
	if err != nil && l.failures != nil {
		l.failures.Inc()
	}

	entry := audit.Entry{
		ActionType: audit.ActionExecuteAttempt,
		Actor:      audit.ActorLadder,
		Target:     task.Name,
		Parameters: map[string]interface{}{"action": action, "attempt": n},
	}
	if err != nil {
		entry.Result = audit.ResultFail
		entry.Error = err.Error()
	}
	if aerr := l.audit(entry); aerr != nil {
		return aerr
	}
	return err
}

// Requeue is tier 2: a successor task with the same content and
// identity enters the store in retry_queued with a cooldown, and the
// failed record is marked superseded.
func (l *Ladder) Requeue(task *models.Task, cause error) (*models.Task, error) {
	if task.RetryCount >= l.maxRetries {
		return nil, fmt.Errorf("task %s exceeded retry ceiling (%d)", task.Name, l.maxRetries)
	}

	retryAfter := l.now().UTC().Add(l.cooldown)
	successor := &models.Task{
		Name:       successorName(task),
		Identity:   task.Identity,
		Content:    task.Content,
		Source:     task.Source,
		Status:     models.TaskStatusRetryQueued,
		Domain:     task.Domain,
		Sensitive:  task.Sensitive,
		Priority:   task.Priority,
		Category:   task.Category,
		Meta:       task.Meta,
		RetryCount: task.RetryCount + 1,
		RetryAfter: &retryAfter,
		Error:      cause.Error(),
	}
	if err := l.store.CreateTask(successor); err != nil {
		return nil, fmt.Errorf("create requeue successor: %w", err)
	}

	task.SupersededBy = successor.Name
	task.Error = cause.Error()
	if err := l.store.UpdateTask(task); err != nil {
		return nil, err
	}
	if _, err := l.store.TransitionTask(task.Name, models.TaskStatusRetryQueued, "requeued with cooldown"); err != nil {
		return nil, err
	}

	if err := l.audit(audit.Entry{
		ActionType: audit.ActionRetryQueued,
		Actor:      audit.ActorLadder,
		Target:     successor.Name,
		Result:     audit.ResultFail,
		Error:      cause.Error(),
		Parameters: map[string]interface{}{
			"supersedes":  task.Name,
			"retry_count": successor.RetryCount,
			"retry_after": retryAfter.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, err
	}
	return successor, nil
}

// Degrade is tier 3: the action payload is preserved in the deferred
// queue, a high-priority alert lands in the pending approval pool for a
// human, and the task parks in deferred. The cycle continues.
func (l *Ladder) Degrade(task *models.Task, action string, payload map[string]interface{}, cause error) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	// The payload alone must suffice to replay the action later, even
	// after the source task is archived.
	payload["task"] = task.Name
	payload["content"] = task.Content
	payload["source"] = string(task.Source)

	entry := &models.DeferredEntry{
		ID:       l.newID(),
		Action:   action,
		Service:  serviceFor(action),
		Error:    cause.Error(),
		Actor:    audit.ActorLadder,
		Task:     task.Name,
		Payload:  payload,
		QueuedAt: l.now().UTC(),
		Status:   models.DeferredStatusDeferred,
	}

	queue, err := l.store.ReadDeferredQueue()
	if err != nil {
		return err
	}
	if err := l.store.WriteDeferredQueue(append(queue, entry)); err != nil {
		return err
	}

	if err := l.audit(audit.Entry{
		ActionType: audit.ActionDeferred,
		Actor:      audit.ActorLadder,
		Target:     task.Name,
		Result:     audit.ResultFail,
		Error:      cause.Error(),
		Parameters: map[string]interface{}{"action": action, "deferred_id": entry.ID},
	}); err != nil {
		return err
	}

	alert := &models.ApprovalRequest{
		ID:         l.newID(),
		Action:     "ALERT: " + action,
		SourceTask: task.Name,
		Priority:   models.PriorityHigh,
		Status:     models.ApprovalPending,
		DraftContent: fmt.Sprintf("Action %q failed after escalation: %s\n\nApprove to retry with the preserved payload, reject to dismiss.",
			action, cause.Error()),
		Risks: []models.RiskEntry{
			{Risk: "unrecovered failure", Level: "high", Notes: cause.Error()},
			{Risk: "retry budget", Level: "medium", Notes: fmt.Sprintf("retry_count=%d", task.RetryCount)},
		},
		DeferredID: entry.ID,
		CreatedAt:  l.now().UTC(),
	}
	if l.alerter != nil {
		if err := l.alerter.CreateAlert(alert); err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
	}

	if err := l.audit(audit.Entry{
		ActionType: audit.ActionAlertCreated,
		Actor:      audit.ActorLadder,
		Target:     task.Name,
		Parameters: map[string]interface{}{"deferred_id": entry.ID, "action": action, "priority": models.PriorityHigh},
	}); err != nil {
		return err
	}

	if task.Status != models.TaskStatusDeferred {
		if _, err := l.store.TransitionTask(task.Name, models.TaskStatusDeferred, "degraded after escalation"); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ladder) audit(e audit.Entry) error {
	if l.rec == nil {
		return nil
	}
	return l.rec.Append(e)
}

// successorName derives the next retry file name in a lineage
func successorName(task *models.Task) string {
	ext := filepath.Ext(task.Name)
	base := strings.TrimSuffix(task.Name, ext)
	if idx := strings.LastIndex(base, "-retry-"); idx >= 0 {
		base = base[:idx]
	}
	return fmt.Sprintf("%s-retry-%d%s", base, task.RetryCount+1, ext)
}

// serviceFor maps an action type to the external service it touches
func serviceFor(action string) string {
	switch {
	case strings.Contains(action, "email"):
		return "email"
	case strings.Contains(action, "payment"), strings.Contains(action, "transfer"):
		return "banking"
	case strings.Contains(action, "post"), strings.Contains(action, "publish"):
		return "social"
	default:
		return "external"
	}
}
