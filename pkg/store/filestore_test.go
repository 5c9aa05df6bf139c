package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
)

func newTestStore(t *testing.T) (*FileStore, *audit.Log) {
	t.Helper()
	root := t.TempDir()

	log, err := audit.NewLog(filepath.Join(root, "audit"))
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	fs, err := NewFileStore(root, log)
	if err != nil {
		t.Fatalf("create file store: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs, log
}

func testTask(name string) *models.Task {
	return &models.Task{
		Name:     name,
		Identity: name + "-abc123def456",
		Content:  "Review quarterly invoice from Acme",
		Source:   models.SourceEmail,
		Status:   models.TaskStatusPending,
		Domain:   models.DomainBusiness,
		Priority: models.PriorityMedium,
	}
}

func TestFileStoreCreateAndGet(t *testing.T) {
	fs, _ := newTestStore(t)

	task := testTask("acme-invoice.md")
	if err := fs.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// Duplicate names are rejected
	if err := fs.CreateTask(testTask("acme-invoice.md")); err != ErrTaskExists {
		t.Errorf("Expected ErrTaskExists, got %v", err)
	}

	got, err := fs.GetTask("acme-invoice.md")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Content != task.Content {
		t.Errorf("Content mismatch: got %q", got.Content)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("Expected pending status, got %s", got.Status)
	}
	if got.Received.IsZero() {
		t.Error("Received timestamp was not set")
	}

	// Sidecar must not embed the content body
	meta, err := os.ReadFile(filepath.Join(fs.Root(), DirNeedsAction, "acme-invoice.md"+metaSuffix))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if strings.Contains(string(meta), "quarterly invoice") {
		t.Error("Sidecar contains task content")
	}
}

func TestFileStoreTransition(t *testing.T) {
	fs, log := newTestStore(t)

	if err := fs.CreateTask(testTask("task-a.md")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	changed, err := fs.TransitionTask("task-a.md", models.TaskStatusProcessing, "cycle pickup")
	if err != nil {
		t.Fatalf("TransitionTask failed: %v", err)
	}
	if !changed {
		t.Error("Expected transition to report a change")
	}

	// Idempotent: same target state is a no-op
	changed, err = fs.TransitionTask("task-a.md", models.TaskStatusProcessing, "cycle pickup")
	if err != nil {
		t.Fatalf("Idempotent transition failed: %v", err)
	}
	if changed {
		t.Error("Repeated transition should be a no-op")
	}

	// Invalid jump is rejected and state is unchanged
	if _, err := fs.TransitionTask("task-a.md", models.TaskStatusDeferred, "bad jump"); err == nil {
		t.Error("Expected invalid transition to fail")
	}
	got, _ := fs.GetTask("task-a.md")
	if got.Status != models.TaskStatusProcessing {
		t.Errorf("Status changed after rejected transition: %s", got.Status)
	}
	if len(got.Transitions) != 1 {
		t.Errorf("Expected 1 recorded transition, got %d", len(got.Transitions))
	}

	// Exactly one audit entry for the applied transition
	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	transitions := 0
	for _, e := range entries {
		if e.ActionType == audit.ActionStatusTransition {
			transitions++
		}
	}
	if transitions != 1 {
		t.Errorf("Expected 1 status_transition audit entry, got %d", transitions)
	}
}

func TestFileStoreTerminalSetsCompletedAt(t *testing.T) {
	fs, _ := newTestStore(t)
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fs.SetClock(func() time.Time { return fixed })

	task := testTask("task-b.md")
	if err := fs.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	for _, to := range []models.TaskStatus{
		models.TaskStatusProcessing, models.TaskStatusReadyToExecute, models.TaskStatusComplete,
	} {
		if _, err := fs.TransitionTask("task-b.md", to, "test"); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	got, _ := fs.GetTask("task-b.md")
	if got.CompletedAt == nil || !got.CompletedAt.Equal(fixed) {
		t.Errorf("CompletedAt not set on terminal state: %v", got.CompletedAt)
	}
}

func TestFileStoreArchive(t *testing.T) {
	fs, _ := newTestStore(t)

	task := testTask("task-c.md")
	if err := fs.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := fs.ArchiveTask("task-c.md"); err != nil {
		t.Fatalf("ArchiveTask failed: %v", err)
	}

	// Gone from the live pool, still readable from done
	live, _ := fs.ListTasks()
	if len(live) != 0 {
		t.Errorf("Expected empty live pool, got %d tasks", len(live))
	}
	got, err := fs.GetTask("task-c.md")
	if err != nil {
		t.Fatalf("GetTask after archive failed: %v", err)
	}
	if got.Content != task.Content {
		t.Errorf("Archived content mismatch: %q", got.Content)
	}

	archived, err := fs.IsArchived(task.Identity)
	if err != nil {
		t.Fatalf("IsArchived failed: %v", err)
	}
	if !archived {
		t.Error("Identity missing from archive index")
	}
}

func TestFileStoreTasksByIdentity(t *testing.T) {
	fs, _ := newTestStore(t)

	original := testTask("task-d.md")
	successor := testTask("task-d-retry-1.md")
	successor.Identity = original.Identity

	for _, tk := range []*models.Task{original, successor, testTask("other.md")} {
		if err := fs.CreateTask(tk); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	matched, err := fs.TasksByIdentity(original.Identity)
	if err != nil {
		t.Fatalf("TasksByIdentity failed: %v", err)
	}
	if len(matched) != 2 {
		t.Errorf("Expected 2 tasks sharing identity, got %d", len(matched))
	}
}

func TestFileStorePlanRoundTrip(t *testing.T) {
	fs, _ := newTestStore(t)

	plan := &models.Plan{
		Name:            "PERSONAL_book-dentist.md",
		Task:            "book-dentist.md",
		Label:           "PERSONAL",
		Category:        "general",
		Source:          models.SourceWhatsApp,
		Domain:          models.DomainPersonal,
		OriginalContent: "Book dentist appointment for next week",
		Checklist: []models.ChecklistItem{
			{Text: "Review task details"},
			{Text: "Confirm outcome", Done: true},
		},
	}
	if err := fs.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}

	got, err := fs.GetPlan(plan.Name)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got.Task != plan.Task || got.Domain != models.DomainPersonal {
		t.Errorf("Plan front matter mismatch: %+v", got)
	}
	if got.Outcome != models.PlanOutcomePending {
		t.Errorf("Expected pending outcome, got %s", got.Outcome)
	}
	if len(got.Checklist) != 2 || !got.Checklist[1].Done {
		t.Errorf("Checklist mismatch: %+v", got.Checklist)
	}

	// Artifact body is readable markdown
	raw, err := os.ReadFile(filepath.Join(fs.Root(), DirPlans, plan.Name+planSuffix))
	if err != nil {
		t.Fatalf("read plan artifact: %v", err)
	}
	for _, want := range []string{
		"# Plan:",
		"- [ ] Review task details",
		"- [x] Confirm outcome",
		// The body must tell the operator how to record the result
		"Set `outcome:` to `completed` or `rejected`",
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("Plan artifact missing %q", want)
		}
	}

	byTask, err := fs.ListPlans("book-dentist.md")
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(byTask) != 1 {
		t.Errorf("Expected 1 plan for task, got %d", len(byTask))
	}
}

func TestFileStoreDeferredQueue(t *testing.T) {
	fs, _ := newTestStore(t)

	// Missing file reads as empty
	entries, err := fs.ReadDeferredQueue()
	if err != nil {
		t.Fatalf("ReadDeferredQueue failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(entries))
	}

	queued := []*models.DeferredEntry{
		{ID: "def-1", Action: "send_payment", Service: "banking", Error: "service unavailable", Status: models.DeferredStatusDeferred},
	}
	if err := fs.WriteDeferredQueue(queued); err != nil {
		t.Fatalf("WriteDeferredQueue failed: %v", err)
	}

	entries, err = fs.ReadDeferredQueue()
	if err != nil {
		t.Fatalf("ReadDeferredQueue failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "send_payment" {
		t.Errorf("Deferred queue round trip mismatch: %+v", entries)
	}
}
