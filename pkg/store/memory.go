package store

import (
	"sort"
	"sync"
	"time"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
)

// MemoryStore is an in-memory implementation of the Store interface,
// used by tests and the read-only status paths.
type MemoryStore struct {
	tasks    map[string]*models.Task
	plans    map[string]*models.Plan
	archived map[string]bool
	deferred []*models.DeferredEntry
	rec      Recorder
	mu       sync.RWMutex
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(rec Recorder) *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*models.Task),
		plans:    make(map[string]*models.Plan),
		archived: make(map[string]bool),
		rec:      rec,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests only)
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

// CreateTask adds a new task record
func (s *MemoryStore) CreateTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.Name]; ok {
		return ErrTaskExists
	}
	if task.Received.IsZero() {
		task.Received = s.now().UTC()
	}
	task.LastUpdated = task.Received
	s.tasks[task.Name] = task
	return nil
}

// GetTask retrieves a task by name
func (s *MemoryStore) GetTask(name string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[name]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns all live tasks sorted by name
func (s *MemoryStore) ListTasks() ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// TasksByIdentity returns live tasks sharing a stable identity
func (s *MemoryStore) TasksByIdentity(identity string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Task
	for _, t := range s.tasks {
		if t.Identity == identity {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}

// UpdateTask replaces a live task record
func (s *MemoryStore) UpdateTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.Name]; !ok {
		return ErrTaskNotFound
	}
	task.LastUpdated = s.now().UTC()
	s.tasks[task.Name] = task
	return nil
}

// TransitionTask performs a validated, idempotent state transition
func (s *MemoryStore) TransitionTask(name string, to models.TaskStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return false, ErrTaskNotFound
	}

	from := task.Status
	if from == to {
		return false, nil
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
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

	if s.rec != nil {
		if err := s.rec.Append(audit.Entry{
			ActionType: audit.ActionStatusTransition,
			Actor:      audit.ActorEngine,
			Target:     name,
			Parameters: map[string]interface{}{"from": string(from), "to": string(to), "reason": reason},
		}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ArchiveTask removes the task from the live set and records its identity
func (s *MemoryStore) ArchiveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, name)
	s.archived[task.Identity] = true
	return nil
}

// IsArchived reports whether an identity was archived
func (s *MemoryStore) IsArchived(identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived[identity], nil
}

// SavePlan stores a plan record
func (s *MemoryStore) SavePlan(plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.now().UTC()
	}
	if plan.Outcome == "" {
		plan.Outcome = models.PlanOutcomePending
	}
	s.plans[plan.Name] = plan
	return nil
}

// GetPlan retrieves a plan by name
func (s *MemoryStore) GetPlan(name string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[name]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// ListPlans returns the plans owned by one task
func (s *MemoryStore) ListPlans(task string) ([]*models.Plan, error) {
	all, _ := s.ListAllPlans()
	var plans []*models.Plan
	for _, p := range all {
		if p.Task == task {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// ListAllPlans returns every stored plan sorted by name
func (s *MemoryStore) ListAllPlans() ([]*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]*models.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans, nil
}

// ReadDeferredQueue returns the deferred queue
func (s *MemoryStore) ReadDeferredQueue() ([]*models.DeferredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deferred, nil
}

// WriteDeferredQueue replaces the deferred queue
func (s *MemoryStore) WriteDeferredQueue(entries []*models.DeferredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = entries
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
