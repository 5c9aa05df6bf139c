package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/approval"
	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/classify"
	"github.com/taskvault/taskvault/pkg/escalate"
	"github.com/taskvault/taskvault/pkg/ingest"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/rules"
	"github.com/taskvault/taskvault/pkg/store"
)

// scriptedExecutor fails or succeeds per the installed script
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []Action
	script func(Action) error
}

func (s *scriptedExecutor) Execute(_ context.Context, action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, action)
	if s.script != nil {
		return s.script(action)
	}
	return nil
}

func (s *scriptedExecutor) callsFor(taskName string) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, c := range s.calls {
		if c.Task == taskName {
			out = append(out, c)
		}
	}
	return out
}

type fakeLedger struct{}

func (fakeLedger) Lookup(_ context.Context, kind, _ string) (string, error) {
	return "no anomalies found for " + kind, nil
}

type instantSleeper struct{}

func (instantSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type harness struct {
	engine   *Engine
	store    *store.FileStore
	gate     *approval.Gate
	ladder   *escalate.Ladder
	admitter *ingest.Admitter
	executor *scriptedExecutor
	vault    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault := t.TempDir()

	log, err := audit.NewLog(filepath.Join(vault, "audit"))
	require.NoError(t, err)

	st, err := store.NewFileStore(vault, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gate, err := approval.NewGate(filepath.Join(vault, "approvals"), log)
	require.NoError(t, err)

	ladder := escalate.NewLadder(st, log, escalate.NewClassifier(escalate.DefaultClassTable()), gate)
	ladder.SetSleeper(instantSleeper{})

	executor := &scriptedExecutor{}

	eng := New(Options{
		VaultDir:   vault,
		Store:      st,
		Gate:       gate,
		Audit:      log,
		Classifier: classify.New(classify.DefaultSignalTable()),
		Rules:      rules.NewEngine(),
		Ladder:     ladder,
		Executor:   executor,
		Ledger:     fakeLedger{},
		Metrics:    metrics.New(prometheus.NewRegistry()),
	})

	return &harness{
		engine:   eng,
		store:    st,
		gate:     gate,
		ladder:   ladder,
		admitter: ingest.NewAdmitter(st, log),
		executor: executor,
		vault:    vault,
	}
}

func (h *harness) admit(t *testing.T, name, content string, source models.Source) *models.Task {
	t.Helper()
	res, err := h.admitter.Admit(ingest.Item{Name: name, Content: content, Source: source})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	return res.Task
}

func TestCycleRoutesSensitiveToApprovalGate(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "wire-vendor.md", "Please transfer $500 to vendor X for the invoice", models.SourceWhatsApp)

	require.NoError(t, h.engine.RunCycle(context.Background()))

	task, err := h.store.GetTask("wire-vendor.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusAwaitingApproval, task.Status)
	require.Equal(t, models.DomainBusiness, task.Domain)
	require.True(t, task.Sensitive)
	require.Equal(t, models.PriorityHigh, task.Priority)
	require.Equal(t, "CD-1", task.RuleApplied)

	pending, err := h.gate.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "send_payment", pending[0].Action)

	// Execution never fires before an external approval signal
	require.Empty(t, h.executor.callsFor("wire-vendor.md"))

	// Dashboard document regenerated
	_, err = os.Stat(filepath.Join(h.vault, "dashboard.md"))
	require.NoError(t, err)
}

func TestApprovalReleasesExecution(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "wire-vendor.md", "Please transfer $500 to vendor X for the invoice", models.SourceWhatsApp)

	require.NoError(t, h.engine.RunCycle(context.Background()))
	require.NoError(t, h.gate.Approve("wire-vendor.md"))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	calls := h.executor.callsFor("wire-vendor.md")
	require.Len(t, calls, 1)
	require.Equal(t, "send_payment", calls[0].Type)

	task, err := h.store.GetTask("wire-vendor.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, task.Status)

	archived, err := h.store.IsArchived(task.Identity)
	require.NoError(t, err)
	require.True(t, archived)
}

func TestRejectionTerminatesWithoutExecution(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "wire-vendor.md", "Please transfer $500 to vendor X for the invoice", models.SourceWhatsApp)

	require.NoError(t, h.engine.RunCycle(context.Background()))
	require.NoError(t, h.gate.Reject("wire-vendor.md"))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	require.Empty(t, h.executor.callsFor("wire-vendor.md"))

	task, err := h.store.GetTask("wire-vendor.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRejected, task.Status)
}

func TestNonSensitiveExecutesDirectly(t *testing.T) {
	h := newHarness(t)

	inboxFile := filepath.Join(h.vault, store.DirInbox, "family-dinner.md")
	require.NoError(t, os.WriteFile(inboxFile, []byte("Book a table for the family dinner on Saturday"), 0644))

	require.NoError(t, h.engine.RunCycle(context.Background()))

	calls := h.executor.callsFor("family-dinner.md")
	require.Len(t, calls, 1)
	require.Equal(t, "complete_task", calls[0].Type)

	task, err := h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, task.Status)

	plans, err := h.store.ListPlans("family-dinner.md")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, models.PlanOutcomeCompleted, plans[0].Outcome)
}

func TestSplitReconciliation(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "mixed.md", "Review the project milestone and plan the kids birthday party", models.SourceInbox)

	require.NoError(t, h.engine.RunCycle(context.Background()))

	task, err := h.store.GetTask("mixed.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusAwaitingApproval, task.Status)
	require.Equal(t, "CD-5", task.RuleApplied)
	require.Len(t, task.PlanRefs, 2)

	// Children still open: parent stays put
	require.NoError(t, h.engine.RunCycle(context.Background()))
	task, err = h.store.GetTask("mixed.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusAwaitingApproval, task.Status)

	// One child completed, one rejected → partial
	for i, ref := range task.PlanRefs {
		plan, err := h.store.GetPlan(ref)
		require.NoError(t, err)
		if i == 0 {
			plan.Outcome = models.PlanOutcomeCompleted
		} else {
			plan.Outcome = models.PlanOutcomeRejected
		}
		require.NoError(t, h.store.SavePlan(plan))
	}
	require.NoError(t, h.engine.RunCycle(context.Background()))

	task, err = h.store.GetTask("mixed.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusPartial, task.Status)

	archived, err := h.store.IsArchived(task.Identity)
	require.NoError(t, err)
	require.True(t, archived)
}

func TestTransientExhaustionRequeuesWithCooldown(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	h.ladder.SetClock(func() time.Time { return start })
	h.engine.SetClock(func() time.Time { return start })

	h.executor.script = func(Action) error { return errors.New("timeout reaching calendar service") }

	inboxFile := filepath.Join(h.vault, store.DirInbox, "family-dinner.md")
	require.NoError(t, os.WriteFile(inboxFile, []byte("Book a table for the family dinner on Saturday"), 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	require.Len(t, h.executor.callsFor("family-dinner.md"), 6)

	successor, err := h.store.GetTask("family-dinner-retry-1.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRetryQueued, successor.Status)
	require.Equal(t, 1, successor.RetryCount)
	require.NotNil(t, successor.RetryAfter)
	require.Equal(t, start.Add(time.Hour), successor.RetryAfter.UTC())

	original, err := h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, "family-dinner-retry-1.md", original.SupersededBy)

	// Within the cooldown the successor must not be picked up
	h.executor.script = nil
	require.NoError(t, h.engine.RunCycle(context.Background()))
	successor, err = h.store.GetTask("family-dinner-retry-1.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRetryQueued, successor.Status)

	// After the cooldown the successor flows through to completion
	h.engine.SetClock(func() time.Time { return start.Add(2 * time.Hour) })
	require.NoError(t, h.engine.RunCycle(context.Background()))

	successor, err = h.store.GetTask("family-dinner-retry-1.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, successor.Status)
}

func TestDeferredAlertReplay(t *testing.T) {
	h := newHarness(t)

	// Critical failure defers immediately and raises an alert
	h.executor.script = func(Action) error { return errors.New("401 unauthorized: missing credential") }

	inboxFile := filepath.Join(h.vault, store.DirInbox, "family-dinner.md")
	require.NoError(t, os.WriteFile(inboxFile, []byte("Book a table for the family dinner on Saturday"), 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	task, err := h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDeferred, task.Status)

	pending, err := h.gate.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].IsAlert())

	// Human approves the alert: the preserved payload replays
	h.executor.script = nil
	require.NoError(t, h.gate.Approve("family-dinner.md"))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	queue, err := h.store.ReadDeferredQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, models.DeferredStatusResolved, queue[0].Status)

	task, err = h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, task.Status)
}

func TestFailedReplayReissuesAlert(t *testing.T) {
	h := newHarness(t)

	h.executor.script = func(Action) error { return errors.New("401 unauthorized: missing credential") }

	inboxFile := filepath.Join(h.vault, store.DirInbox, "book-table.md")
	require.NoError(t, os.WriteFile(inboxFile, []byte("Book a table for the family dinner on Saturday"), 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	// First approval replays into the same failure
	require.NoError(t, h.gate.Approve("book-table.md"))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	queue, err := h.store.ReadDeferredQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, models.DeferredStatusRetried, queue[0].Status)

	// The alert is back in pending, so the human can decide again
	pending, err := h.gate.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].IsAlert())

	// Second approval with the failure cleared resolves the entry
	h.executor.script = nil
	require.NoError(t, h.gate.Approve("book-table.md"))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	queue, err = h.store.ReadDeferredQueue()
	require.NoError(t, err)
	require.Equal(t, models.DeferredStatusResolved, queue[0].Status)

	task, err := h.store.GetTask("book-table.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, task.Status)
	// One original attempt plus the two replays
	require.Len(t, h.executor.callsFor("book-table.md"), 3)
}

func TestDeferredAlertDismissal(t *testing.T) {
	h := newHarness(t)
	h.executor.script = func(Action) error { return errors.New("confirmed service outage") }

	inboxFile := filepath.Join(h.vault, store.DirInbox, "family-dinner.md")
	require.NoError(t, os.WriteFile(inboxFile, []byte("Book a table for the family dinner on Saturday"), 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	require.NoError(t, h.gate.Reject("family-dinner.md"))
	h.executor.script = nil
	require.NoError(t, h.engine.RunCycle(context.Background()))

	queue, err := h.store.ReadDeferredQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, models.DeferredStatusDismissed, queue[0].Status)

	// The parked task keeps deferred as the record of the dropped action
	task, err := h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDeferred, task.Status)
	// One attempt before the critical classification, none after dismissal
	require.Len(t, h.executor.callsFor("family-dinner.md"), 1)
}

func TestIdempotentReadmissionAfterArchive(t *testing.T) {
	h := newHarness(t)
	content := []byte("Book a table for the family dinner on Saturday")

	inboxFile := filepath.Join(h.vault, store.DirInbox, "family-dinner.md")
	require.NoError(t, os.WriteFile(inboxFile, content, 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	task, err := h.store.GetTask("family-dinner.md")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusComplete, task.Status)

	// Same physical input after archival is a no-op
	require.NoError(t, os.WriteFile(inboxFile, content, 0644))
	require.NoError(t, h.engine.RunCycle(context.Background()))

	live, err := h.store.ListTasks()
	require.NoError(t, err)
	require.Empty(t, live)
	require.Len(t, h.executor.callsFor("family-dinner.md"), 1)
}

func TestRunLockExcludesConcurrentCycles(t *testing.T) {
	vault := t.TempDir()

	lock, err := AcquireLock(vault)
	require.NoError(t, err)

	// Held by this live process: second acquisition fails
	_, err = AcquireLock(vault)
	require.Error(t, err)

	require.NoError(t, lock.Release())
	again, err := AcquireLock(vault)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestStaleLockIsBroken(t *testing.T) {
	vault := t.TempDir()

	// PID 1 is never this test process; use an absurd dead PID instead
	require.NoError(t, os.WriteFile(filepath.Join(vault, LockFileName), []byte("999999999\n"), 0644))

	lock, err := AcquireLock(vault)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
