package dashboard

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/store"
)

type fakeGate struct {
	pending []*models.ApprovalRequest
}

func (f *fakeGate) Pending() ([]*models.ApprovalRequest, error) {
	return f.pending, nil
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Recent(n int) ([]audit.Entry, error) {
	if n > len(f.entries) {
		n = len(f.entries)
	}
	return f.entries[:n], nil
}

func seedSummaryStore(t *testing.T, now time.Time) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore(nil)
	st.SetClock(func() time.Time { return now })

	add := func(name string, status models.TaskStatus, mutate func(*models.Task)) {
		task := &models.Task{
			Name:     name,
			Identity: name + "-aaaaaaaaaaaa",
			Content:  "content of " + name,
			Source:   models.SourceInbox,
			Status:   status,
		}
		if mutate != nil {
			mutate(task)
		}
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	add("a-pending.md", models.TaskStatusPending, func(tk *models.Task) {
		tk.Domain = models.DomainBusiness
		tk.Priority = models.PriorityHigh
	})
	add("b-processing.md", models.TaskStatusProcessing, nil)
	add("c-cooldown.md", models.TaskStatusRetryQueued, func(tk *models.Task) {
		after := now.Add(time.Hour)
		tk.RetryCount = 1
		tk.RetryAfter = &after
	})
	add("d-complete.md", models.TaskStatusComplete, func(tk *models.Task) {
		done := now
		tk.CompletedAt = &done
	})

	if err := st.SavePlan(&models.Plan{
		Name: "PERSONAL_e.md", Task: "e.md",
		Checklist: []models.ChecklistItem{{Text: "one", Done: true}, {Text: "two"}},
	}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	if err := st.WriteDeferredQueue([]*models.DeferredEntry{
		{ID: "def-1", Action: "send_payment", Service: "banking", Status: models.DeferredStatusDeferred, QueuedAt: now},
		{ID: "def-2", Action: "send_email", Service: "email", Status: models.DeferredStatusDismissed, QueuedAt: now},
	}); err != nil {
		t.Fatalf("seed deferred: %v", err)
	}
	return st
}

func TestProjectCounts(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st := seedSummaryStore(t, now)
	gate := &fakeGate{pending: []*models.ApprovalRequest{
		{SourceTask: "a-pending.md", Action: "send_payment", Priority: models.PriorityHigh, CreatedAt: now},
	}}
	log := &fakeAudit{entries: []audit.Entry{
		{Timestamp: now, ActionType: audit.ActionFileWrite, Actor: audit.ActorIngest, Target: "a-pending.md"},
	}}

	s, err := Project(st, gate, log, 10, now)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}

	if s.Counts.Pending != 1 || s.Counts.Processing != 1 || s.Counts.RetryQueued != 1 || s.Counts.Terminal != 1 {
		t.Errorf("Counts wrong: %+v", s.Counts)
	}
	if s.CompletedToday != 1 {
		t.Errorf("CompletedToday = %d, want 1", s.CompletedToday)
	}
	if len(s.Cooldowns) != 1 || s.Cooldowns[0].Name != "c-cooldown.md" {
		t.Errorf("Cooldowns wrong: %+v", s.Cooldowns)
	}
	if len(s.Approvals) != 1 || s.Approvals[0].Action != "send_payment" {
		t.Errorf("Approvals wrong: %+v", s.Approvals)
	}
	if len(s.OpenPlans) != 1 || s.OpenPlans[0].Done != 1 || s.OpenPlans[0].Total != 2 {
		t.Errorf("OpenPlans wrong: %+v", s.OpenPlans)
	}
	// Dismissed deferred entries are not shown
	if len(s.Deferred) != 1 || s.Deferred[0].ID != "def-1" {
		t.Errorf("Deferred wrong: %+v", s.Deferred)
	}
	if len(s.Activity) != 1 {
		t.Errorf("Activity wrong: %+v", s.Activity)
	}
}

func TestProjectIsPure(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st := seedSummaryStore(t, now)

	first, err := Project(st, nil, nil, 10, now)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	second, err := Project(st, nil, nil, 10, now)
	if err != nil {
		t.Fatalf("Second Project failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Projection is not reproducible from the same state")
	}
}

func TestRenderMarkdown(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st := seedSummaryStore(t, now)

	s, err := Project(st, nil, nil, 10, now)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	out := Render(s)

	for _, want := range []string{
		"# TaskVault Dashboard",
		"## Pending Tasks",
		"| a-pending.md | inbox | business | high |",
		"## Retry Cooldowns",
		"| c-cooldown.md | 1 |",
		"## Deferred Queue",
		"| def-1 | send_payment | banking |",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Rendered dashboard missing %q", want)
		}
	}
}
