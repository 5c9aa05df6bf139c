package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
)

func newTestGate(t *testing.T) (*Gate, *audit.Log) {
	t.Helper()
	root := t.TempDir()
	log, err := audit.NewLog(filepath.Join(root, "audit"))
	if err != nil {
		t.Fatalf("create audit log: %v", err)
	}
	gate, err := NewGate(filepath.Join(root, "approvals"), log)
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	return gate, log
}

func testRequest(task string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		Action:       "send_payment",
		SourceTask:   task,
		Priority:     models.PriorityHigh,
		DraftContent: "Wire $500 to vendor X",
		Risks: []models.RiskEntry{
			{Risk: "monetary transfer", Level: "high", Notes: "$500"},
		},
	}
}

func TestCreateWritesPendingArtifact(t *testing.T) {
	gate, _ := newTestGate(t)

	req, err := gate.Create(testRequest("wire-vendor.md"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if req.ID == "" {
		t.Error("Request was not assigned an ID")
	}
	if req.Status != models.ApprovalPending {
		t.Errorf("Status = %s, want pending", req.Status)
	}

	raw, err := os.ReadFile(filepath.Join(gate.Dir(), PoolPending, "APPROVAL_wire-vendor.md"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	for _, want := range []string{"# Approval Required: send_payment", "| monetary transfer | high |", "Wire $500"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("Artifact missing %q", want)
		}
	}
}

func TestCreateIdempotentPerTask(t *testing.T) {
	gate, _ := newTestGate(t)

	first, err := gate.Create(testRequest("wire-vendor.md"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := gate.Create(testRequest("wire-vendor.md"))
	if err != nil {
		t.Fatalf("Second Create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("Repeated Create produced a new request")
	}

	pending, _ := gate.Pending()
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending request, got %d", len(pending))
	}

	// Idempotency holds across pools: an approved request blocks a
	// duplicate just like a pending one.
	if err := gate.Approve("wire-vendor.md"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	third, err := gate.Create(testRequest("wire-vendor.md"))
	if err != nil {
		t.Fatalf("Create after approval failed: %v", err)
	}
	if third.ID != first.ID {
		t.Error("Create after approval produced a new request")
	}
}

func TestReissueReturnsArtifactToPending(t *testing.T) {
	gate, _ := newTestGate(t)

	req := testRequest("wire-vendor.md")
	req.DeferredID = "d-1"
	if _, err := gate.Create(req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := gate.Approve("wire-vendor.md"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	signals, err := gate.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(signals.Approved) != 1 {
		t.Fatalf("Expected 1 approved signal, got %d", len(signals.Approved))
	}
	observed := signals.Approved[0]
	if err := gate.Consume(observed); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	// A consumed artifact is a dead end until reissued
	if err := gate.Approve("wire-vendor.md"); err == nil {
		t.Fatal("Approve without a pending artifact must fail")
	}

	if err := gate.Reissue(observed); err != nil {
		t.Fatalf("Reissue failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(gate.Dir(), PoolApproved, "ALERT_wire-vendor.md")); !os.IsNotExist(err) {
		t.Error("Reissue left the artifact in the approved pool")
	}

	pending, err := gate.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("Expected the original request back in pending, got %+v", pending)
	}

	// The returned artifact can go through a full second round
	if err := gate.Approve("wire-vendor.md"); err != nil {
		t.Fatalf("Second Approve failed: %v", err)
	}
	signals, err = gate.Poll()
	if err != nil {
		t.Fatalf("Second Poll failed: %v", err)
	}
	if len(signals.Approved) != 1 {
		t.Errorf("Expected the reissued request to signal again, got %d", len(signals.Approved))
	}
}

func TestPollObservesRelocations(t *testing.T) {
	gate, log := newTestGate(t)

	if _, err := gate.Create(testRequest("wire-vendor.md")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := gate.Create(testRequest("post-update.md")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Nothing relocated yet: poll is empty
	signals, err := gate.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(signals.Approved)+len(signals.Rejected) != 0 {
		t.Error("Poll invented signals before any human action")
	}

	if err := gate.Approve("wire-vendor.md"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := gate.Reject("post-update.md"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	signals, err = gate.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(signals.Approved) != 1 || signals.Approved[0].SourceTask != "wire-vendor.md" {
		t.Errorf("Approved signals wrong: %+v", signals.Approved)
	}
	if len(signals.Rejected) != 1 || signals.Rejected[0].SourceTask != "post-update.md" {
		t.Errorf("Rejected signals wrong: %+v", signals.Rejected)
	}
	if signals.Approved[0].Status != models.ApprovalApproved {
		t.Errorf("Observed status = %s, want approved", signals.Approved[0].Status)
	}

	entries, _ := log.Recent(20)
	observed := 0
	for _, e := range entries {
		if e.ActionType == audit.ActionApprovalObserved {
			observed++
		}
	}
	if observed != 2 {
		t.Errorf("Expected 2 approval_observed entries, got %d", observed)
	}
}

func TestConsumeSilencesSignal(t *testing.T) {
	gate, _ := newTestGate(t)

	if _, err := gate.Create(testRequest("wire-vendor.md")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := gate.Approve("wire-vendor.md"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	signals, _ := gate.Poll()
	if len(signals.Approved) != 1 {
		t.Fatalf("Expected 1 approved signal, got %d", len(signals.Approved))
	}
	if err := gate.Consume(signals.Approved[0]); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	signals, _ = gate.Poll()
	if len(signals.Approved) != 0 {
		t.Error("Consumed signal returned by a later poll")
	}
}

func TestAlertArtifactsAreDistinct(t *testing.T) {
	gate, _ := newTestGate(t)

	// A task can hold one approval and one alert at the same time
	if _, err := gate.Create(testRequest("wire-vendor.md")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	alert := testRequest("wire-vendor.md")
	alert.Action = "ALERT: send_payment"
	alert.DeferredID = "def-123"
	if err := gate.CreateAlert(alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	pending, _ := gate.Pending()
	if len(pending) != 2 {
		t.Fatalf("Expected approval plus alert pending, got %d", len(pending))
	}

	raw, err := os.ReadFile(filepath.Join(gate.Dir(), PoolPending, "ALERT_wire-vendor.md"))
	if err != nil {
		t.Fatalf("read alert artifact: %v", err)
	}
	if !strings.Contains(string(raw), "# Failure Alert:") {
		t.Error("Alert artifact missing alert heading")
	}
}

func TestRelocateMissingRequest(t *testing.T) {
	gate, _ := newTestGate(t)
	if err := gate.Approve("nothing.md"); err == nil {
		t.Error("Approve of a missing request must fail")
	}
}
