// Package approval models the human checkpoint as three file pools.
// The orchestrator writes requests into pending/ and only ever observes
// relocations into approved/ or rejected/; it never performs one.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/store"
)

// Pool names under the approvals directory
const (
	PoolPending  = "pending"
	PoolApproved = "approved"
	PoolRejected = "rejected"

	metaSuffix     = ".meta.json"
	frontMatterSep = "---"
)

// artifactMeta is the sidecar written next to each request artifact.
// Consumed tracks whether the engine has already acted on an observed
// relocation, so a signal fires exactly once.
type artifactMeta struct {
	Request  models.ApprovalRequest `json:"request"`
	Consumed bool                   `json:"consumed"`
}

// Signals is the result of one poll: requests a human has relocated
// since the engine last acted.
type Signals struct {
	Approved []*models.ApprovalRequest
	Rejected []*models.ApprovalRequest
}

// Gate manages approval request artifacts across the three pools
type Gate struct {
	dir   string
	rec   store.Recorder
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// NewGate opens a gate rooted at dir, creating the pools if needed
func NewGate(dir string, rec store.Recorder) (*Gate, error) {
	for _, pool := range []string{PoolPending, PoolApproved, PoolRejected} {
		if err := os.MkdirAll(filepath.Join(dir, pool), 0755); err != nil {
			return nil, fmt.Errorf("create approval pool %s: %w", pool, err)
		}
	}
	return &Gate{
		dir:   dir,
		rec:   rec,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}, nil
}

// Dir returns the approvals root directory
func (g *Gate) Dir() string {
	return g.dir
}

// SetClock overrides the time source (tests only)
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Create writes a request artifact into the pending pool. Creation is
// idempotent per source task: if any pool already holds a request for
// the task, the existing request is returned untouched.
func (g *Gate) Create(req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, _, err := g.findByTask(req.SourceTask, req.IsAlert()); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if req.ID == "" {
		req.ID = g.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now().UTC()
	}
	req.Status = models.ApprovalPending

	if err := g.writeArtifact(PoolPending, req, false); err != nil {
		return nil, err
	}

	if g.rec != nil {
		action := audit.ActionApprovalCreated
		if req.IsAlert() {
			action = audit.ActionAlertCreated
		}
		if err := g.rec.Append(audit.Entry{
			ActionType:     action,
			Actor:          audit.ActorGate,
			Target:         req.SourceTask,
			ApprovalStatus: audit.ApprovalPending,
			Parameters:     map[string]interface{}{"id": req.ID, "action": req.Action},
		}); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// CreateAlert satisfies the escalation ladder's Alerter interface
func (g *Gate) CreateAlert(req *models.ApprovalRequest) error {
	_, err := g.Create(req)
	return err
}

// Poll scans the approved and rejected pools for requests a human has
// relocated and not yet consumed. Each newly observed signal is audited
// as approval_observed. Poll never moves or transitions anything.
func (g *Gate) Poll() (*Signals, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	signals := &Signals{}

	for pool, status := range map[string]models.ApprovalStatus{
		PoolApproved: models.ApprovalApproved,
		PoolRejected: models.ApprovalRejected,
	} {
		metas, err := g.readPool(pool)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			if m.Consumed {
				continue
			}
			req := m.Request
			req.Status = status

			if g.rec != nil {
				if err := g.rec.Append(audit.Entry{
					ActionType:     audit.ActionApprovalObserved,
					Actor:          audit.ActorHuman,
					Target:         req.SourceTask,
					ApprovalStatus: string(status),
					Parameters:     map[string]interface{}{"id": req.ID, "action": req.Action},
				}); err != nil {
					return nil, err
				}
			}

			switch status {
			case models.ApprovalApproved:
				signals.Approved = append(signals.Approved, &req)
			case models.ApprovalRejected:
				signals.Rejected = append(signals.Rejected, &req)
			}
		}
	}

	sort.Slice(signals.Approved, func(i, j int) bool { return signals.Approved[i].SourceTask < signals.Approved[j].SourceTask })
	sort.Slice(signals.Rejected, func(i, j int) bool { return signals.Rejected[i].SourceTask < signals.Rejected[j].SourceTask })
	return signals, nil
}

// Consume marks an observed signal as acted on so it is not returned
// by later polls. The artifact stays in its pool as the human left it.
func (g *Gate) Consume(req *models.ApprovalRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool := PoolApproved
	if req.Status == models.ApprovalRejected {
		pool = PoolRejected
	}
	return g.writeArtifact(pool, req, true)
}

// Reissue returns an observed artifact to the pending pool so the
// human can decide again. The engine uses it for alerts whose approved
// replay failed: without a fresh pending artifact there would be no
// way left to retry the deferred action.
func (g *Gate) Reissue(req *models.ApprovalRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromPool := PoolApproved
	if req.Status == models.ApprovalRejected {
		fromPool = PoolRejected
	}
	name := g.artifactName(req)
	for _, suffix := range []string{"", metaSuffix} {
		if err := os.Remove(filepath.Join(g.dir, fromPool, name+suffix)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reissue approval artifact: %w", err)
		}
	}

	req.Status = models.ApprovalPending
	if err := g.writeArtifact(PoolPending, req, false); err != nil {
		return err
	}

	if g.rec != nil {
		return g.rec.Append(audit.Entry{
			ActionType:     audit.ActionAlertReissued,
			Actor:          audit.ActorGate,
			Target:         req.SourceTask,
			ApprovalStatus: audit.ApprovalPending,
			Parameters:     map[string]interface{}{"id": req.ID, "action": req.Action},
		})
	}
	return nil
}

// Pending returns all requests still awaiting a human decision
func (g *Gate) Pending() ([]*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	metas, err := g.readPool(PoolPending)
	if err != nil {
		return nil, err
	}
	reqs := make([]*models.ApprovalRequest, 0, len(metas))
	for _, m := range metas {
		req := m.Request
		reqs = append(reqs, &req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].SourceTask < reqs[j].SourceTask })
	return reqs, nil
}

// Approve relocates a pending artifact into the approved pool. This is
// the CLI acting for the human, never the engine.
func (g *Gate) Approve(sourceTask string) error {
	return g.relocate(sourceTask, PoolApproved)
}

// Reject relocates a pending artifact into the rejected pool
func (g *Gate) Reject(sourceTask string) error {
	return g.relocate(sourceTask, PoolRejected)
}

func (g *Gate) relocate(sourceTask, toPool string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, name, err := g.findInPool(PoolPending, sourceTask)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("no pending approval for task %s", sourceTask)
	}

	for _, suffix := range []string{"", metaSuffix} {
		src := filepath.Join(g.dir, PoolPending, name+suffix)
		dst := filepath.Join(g.dir, toPool, name+suffix)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("relocate approval artifact: %w", err)
		}
	}
	return nil
}

// ── internals ──

func (g *Gate) artifactName(req *models.ApprovalRequest) string {
	prefix := "APPROVAL"
	if req.IsAlert() {
		prefix = "ALERT"
	}
	return fmt.Sprintf("%s_%s.md", prefix, strings.TrimSuffix(req.SourceTask, filepath.Ext(req.SourceTask)))
}

func (g *Gate) writeArtifact(pool string, req *models.ApprovalRequest, consumed bool) error {
	name := g.artifactName(req)

	front, err := yaml.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString(frontMatterSep + "\n")
	b.Write(front)
	b.WriteString(frontMatterSep + "\n\n")
	b.WriteString(renderBody(req))

	path := filepath.Join(g.dir, pool, name)
	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(artifactMeta{Request: *req, Consumed: consumed}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval sidecar: %w", err)
	}
	return writeFileAtomic(path+metaSuffix, meta)
}

func (g *Gate) readPool(pool string) (map[string]*artifactMeta, error) {
	dir := filepath.Join(g.dir, pool)
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read approval pool %s: %w", pool, err)
	}

	metas := make(map[string]*artifactMeta)
	for _, it := range items {
		if it.IsDir() || !strings.HasSuffix(it.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, it.Name()))
		if err != nil {
			return nil, err
		}
		var m artifactMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse approval sidecar %s: %w", it.Name(), err)
		}
		metas[strings.TrimSuffix(it.Name(), metaSuffix)] = &m
	}
	return metas, nil
}

// findByTask locates an existing request for a task in any pool
func (g *Gate) findByTask(sourceTask string, alert bool) (*models.ApprovalRequest, string, error) {
	for _, pool := range []string{PoolPending, PoolApproved, PoolRejected} {
		req, name, err := g.findInPool(pool, sourceTask)
		if err != nil {
			return nil, "", err
		}
		if req != nil && req.IsAlert() == alert {
			return req, name, nil
		}
	}
	return nil, "", nil
}

func (g *Gate) findInPool(pool, sourceTask string) (*models.ApprovalRequest, string, error) {
	metas, err := g.readPool(pool)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(metas))
	for name := range metas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if metas[name].Request.SourceTask == sourceTask {
			req := metas[name].Request
			return &req, name, nil
		}
	}
	return nil, "", nil
}

func renderBody(req *models.ApprovalRequest) string {
	var b strings.Builder

	kind := "Approval Required"
	if req.IsAlert() {
		kind = "Failure Alert"
	}
	fmt.Fprintf(&b, "# %s: %s\n\n", kind, req.Action)
	fmt.Fprintf(&b, "**Task:** %s\n", req.SourceTask)
	fmt.Fprintf(&b, "**Priority:** %s\n", req.Priority)
	fmt.Fprintf(&b, "**Created:** %s\n\n", req.CreatedAt.UTC().Format(time.RFC3339))

	if req.DraftContent != "" {
		fmt.Fprintf(&b, "## Draft\n\n%s\n\n", req.DraftContent)
	}

	if len(req.Risks) > 0 {
		b.WriteString("## Risks\n\n")
		b.WriteString("| Risk | Level | Notes |\n|------|-------|-------|\n")
		for _, r := range req.Risks {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", r.Risk, r.Level, r.Notes)
		}
		b.WriteString("\n")
	}

	b.WriteString("Move this file to `approved/` to proceed or `rejected/` to decline.\n")
	return b.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
