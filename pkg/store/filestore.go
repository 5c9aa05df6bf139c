package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
)

// Vault pool names under the store root
const (
	DirInbox       = "inbox"
	DirNeedsAction = "needs_action"
	DirPlans       = "plans"
	DirDone        = "done"

	metaSuffix     = ".meta.json"
	planSuffix     = ".plan.md"
	deferredFile   = "deferred_queue.json"
	archiveDBFile  = "archive.db"
	frontMatterSep = "---"
)

// FileStore persists tasks as content files with .meta.json sidecars,
// plans as markdown artifacts with YAML front matter, and the deferred
// queue as a single JSON document rewritten atomically. All writes are
// serialized behind one mutex (single-writer discipline).
type FileStore struct {
	root    string
	archive *ArchiveIndex
	rec     Recorder
	mu      sync.Mutex
	now     func() time.Time
}

// NewFileStore opens a vault rooted at root, creating the pool
// directories and the archive index if needed.
func NewFileStore(root string, rec Recorder) (*FileStore, error) {
	for _, dir := range []string{DirInbox, DirNeedsAction, DirPlans, DirDone} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("create vault dir %s: %w", dir, err)
		}
	}

	archive, err := NewArchiveIndex(filepath.Join(root, archiveDBFile))
	if err != nil {
		return nil, err
	}

	return &FileStore{root: root, archive: archive, rec: rec, now: time.Now}, nil
}

// Root returns the vault root directory
func (s *FileStore) Root() string {
	return s.root
}

// SetClock overrides the time source (tests only)
func (s *FileStore) SetClock(now func() time.Time) {
	s.now = now
}

// CreateTask writes the content file and sidecar into needs_action
func (s *FileStore) CreateTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskPath := s.taskPath(task.Name)
	if _, err := os.Stat(taskPath); err == nil {
		return ErrTaskExists
	}

	if task.Received.IsZero() {
		task.Received = s.now().UTC()
	}
	task.LastUpdated = task.Received

	if err := writeFileAtomic(taskPath, []byte(task.Content)); err != nil {
		return fmt.Errorf("write task content: %w", err)
	}
	return s.writeSidecar(filepath.Join(s.root, DirNeedsAction), task)
}

// GetTask loads a task (content plus sidecar) from needs_action,
// falling back to the done pool for archived records.
func (s *FileStore) GetTask(name string) (*models.Task, error) {
	for _, dir := range []string{DirNeedsAction, DirDone} {
		task, err := s.readTask(filepath.Join(s.root, dir), name)
		if err == nil {
			return task, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, ErrTaskNotFound
}

// ListTasks returns all live (non-archived) tasks sorted by name
func (s *FileStore) ListTasks() ([]*models.Task, error) {
	dir := filepath.Join(s.root, DirNeedsAction)
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read needs_action: %w", err)
	}

	var tasks []*models.Task
	for _, it := range items {
		if it.IsDir() || !strings.HasSuffix(it.Name(), metaSuffix) {
			continue
		}
		name := strings.TrimSuffix(it.Name(), metaSuffix)
		task, err := s.readTask(dir, name)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// TasksByIdentity returns live tasks sharing a stable identity
// (requeued successors share the identity of the original).
func (s *FileStore) TasksByIdentity(identity string) ([]*models.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var matched []*models.Task
	for _, t := range tasks {
		if t.Identity == identity {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// UpdateTask rewrites the sidecar for a live task
func (s *FileStore) UpdateTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.taskPath(task.Name)); err != nil {
		if os.IsNotExist(err) {
			return ErrTaskNotFound
		}
		return err
	}
	task.LastUpdated = s.now().UTC()
	return s.writeSidecar(filepath.Join(s.root, DirNeedsAction), task)
}

// TransitionTask performs a validated state transition with idempotency.
// The sidecar is written first, then exactly one status_transition audit
// entry is appended (write-then-audit, never partially applied).
func (s *FileStore) TransitionTask(name string, to models.TaskStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(filepath.Join(s.root, DirNeedsAction), name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrTaskNotFound
		}
		return false, err
	}

	from := task.Status

	// Idempotency: already in target state is a no-op
	if from == to {
		return false, nil
	}

	if err := models.ValidateTransition(from, to); err != nil {
		return false, fmt.Errorf("task %s: %w", name, err)
	}

	now := s.now().UTC()
	task.Status = to
	task.LastUpdated = now
	task.Transitions = append(task.Transitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	if models.IsTerminalState(to) {
		task.CompletedAt = &now
	}

	if err := s.writeSidecar(filepath.Join(s.root, DirNeedsAction), task); err != nil {
		return false, err
	}

	if s.rec != nil {
		if err := s.rec.Append(audit.Entry{
			ActionType: audit.ActionStatusTransition,
			Actor:      audit.ActorEngine,
			Target:     name,
			Parameters: map[string]interface{}{"from": string(from), "to": string(to), "reason": reason},
		}); err != nil {
			return true, fmt.Errorf("audit transition: %w", err)
		}
	}
	return true, nil
}

// ArchiveTask moves the content file and sidecar into the done pool and
// records the identity in the archive index.
func (s *FileStore) ArchiveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(filepath.Join(s.root, DirNeedsAction), name)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrTaskNotFound
		}
		return err
	}

	src := s.taskPath(name)
	dst := filepath.Join(s.root, DirDone, name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move task to done: %w", err)
	}
	if err := os.Rename(src+metaSuffix, dst+metaSuffix); err != nil {
		return fmt.Errorf("move sidecar to done: %w", err)
	}

	if err := s.archive.Add(task.Identity, name, task.Status); err != nil {
		return err
	}

	if s.rec != nil {
		return s.rec.Append(audit.Entry{
			ActionType: audit.ActionFileWrite,
			Actor:      audit.ActorEngine,
			Target:     filepath.Join(DirDone, name),
			Parameters: map[string]interface{}{"status": string(task.Status), "identity": task.Identity},
		})
	}
	return nil
}

// IsArchived reports whether an identity exists in the archive index
func (s *FileStore) IsArchived(identity string) (bool, error) {
	return s.archive.Has(identity)
}

// SavePlan writes a plan artifact: YAML front matter carrying the full
// plan record, followed by a rendered markdown body.
func (s *FileStore) SavePlan(plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.now().UTC()
	}
	if plan.Outcome == "" {
		plan.Outcome = models.PlanOutcomePending
	}

	front, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	var b strings.Builder
	b.WriteString(frontMatterSep + "\n")
	b.Write(front)
	b.WriteString(frontMatterSep + "\n\n")
	b.WriteString(renderPlanBody(plan))

	path := s.planPath(plan.Name)
	return writeFileAtomic(path, []byte(b.String()))
}

// GetPlan reads a plan artifact back from its front matter
func (s *FileStore) GetPlan(name string) (*models.Plan, error) {
	data, err := os.ReadFile(s.planPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("read plan %s: %w", name, err)
	}
	return parsePlan(data)
}

// ListPlans returns the plans owned by one task
func (s *FileStore) ListPlans(task string) ([]*models.Plan, error) {
	all, err := s.ListAllPlans()
	if err != nil {
		return nil, err
	}
	var plans []*models.Plan
	for _, p := range all {
		if p.Task == task {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// ListAllPlans returns every plan artifact in the plans pool
func (s *FileStore) ListAllPlans() ([]*models.Plan, error) {
	dir := filepath.Join(s.root, DirPlans)
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plans dir: %w", err)
	}

	var plans []*models.Plan
	for _, it := range items {
		if it.IsDir() || !strings.HasSuffix(it.Name(), planSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, it.Name()))
		if err != nil {
			continue
		}
		plan, err := parsePlan(data)
		if err != nil {
			continue
		}
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans, nil
}

// ReadDeferredQueue loads the deferred queue document
func (s *FileStore) ReadDeferredQueue() ([]*models.DeferredEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.root, deferredFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read deferred queue: %w", err)
	}
	var entries []*models.DeferredEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse deferred queue: %w", err)
	}
	return entries, nil
}

// WriteDeferredQueue atomically replaces the deferred queue document
func (s *FileStore) WriteDeferredQueue(entries []*models.DeferredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries == nil {
		entries = []*models.DeferredEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deferred queue: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.root, deferredFile), data)
}

// Close closes the archive index
func (s *FileStore) Close() error {
	return s.archive.Close()
}

// ── internals ──

func (s *FileStore) taskPath(name string) string {
	return filepath.Join(s.root, DirNeedsAction, name)
}

func (s *FileStore) planPath(name string) string {
	return filepath.Join(s.root, DirPlans, name+planSuffix)
}

func (s *FileStore) readTask(dir, name string) (*models.Task, error) {
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	meta, err := os.ReadFile(filepath.Join(dir, name+metaSuffix))
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := json.Unmarshal(meta, &task); err != nil {
		return nil, fmt.Errorf("parse sidecar for %s: %w", name, err)
	}
	task.Content = string(content)
	return &task, nil
}

func (s *FileStore) writeSidecar(dir string, task *models.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, task.Name+metaSuffix), data)
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partially written artifact.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parsePlan(data []byte) (*models.Plan, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterSep+"\n") {
		return nil, fmt.Errorf("plan artifact has no front matter")
	}
	rest := text[len(frontMatterSep)+1:]
	end := strings.Index(rest, "\n"+frontMatterSep)
	if end < 0 {
		return nil, fmt.Errorf("plan front matter not terminated")
	}
	var plan models.Plan
	if err := yaml.Unmarshal([]byte(rest[:end]), &plan); err != nil {
		return nil, fmt.Errorf("parse plan front matter: %w", err)
	}
	return &plan, nil
}

// renderPlanBody produces the human-readable half of the plan artifact
func renderPlanBody(plan *models.Plan) string {
	var b strings.Builder

	title := plan.Name
	if plan.Label != "" {
		title = plan.Label + " " + plan.Task
	}
	fmt.Fprintf(&b, "# Plan: %s\n\n", title)
	fmt.Fprintf(&b, "**Category:** %s\n", plan.Category)
	fmt.Fprintf(&b, "**Source:** %s\n", plan.Source)
	fmt.Fprintf(&b, "**Domain:** %s\n", strings.ToUpper(string(plan.Domain)))
	sensitive := "No"
	if plan.Sensitive {
		sensitive = "Yes"
	}
	fmt.Fprintf(&b, "**Sensitive:** %s\n", sensitive)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", plan.CreatedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Checklist\n\n")
	for _, item := range plan.Checklist {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, item.Text)
	}

	preview := plan.OriginalContent
	if len(preview) > 1200 {
		preview = preview[:1200] + "..."
	}
	fmt.Fprintf(&b, "\n## Original Content\n\n```\n%s\n```\n", preview)

	if plan.AgentNotes != "" {
		fmt.Fprintf(&b, "\n## Agent Notes\n\n%s\n", plan.AgentNotes)
	}

	b.WriteString("\nSet `outcome:` to `completed` or `rejected` in the front matter above to record this plan's result.\n")
	return b.String()
}
