// Package store persists tasks, plans, and the deferred queue.
//
// The file store is the production backend: task content plus a
// .meta.json sidecar under the vault, one plan artifact per plan, and a
// single atomically rewritten deferred queue document. A memory store
// mirrors the interface for tests. Writes follow single-writer
// discipline; each status transition is validated against the FSM and
// audited exactly once.
package store

import (
	"errors"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrPlanNotFound = errors.New("plan not found")
	ErrTaskExists   = errors.New("task already exists")
)

// Recorder receives audit entries for store-level events. Satisfied by
// *audit.Log.
type Recorder interface {
	Append(e audit.Entry) error
}

// Store defines the interface for state persistence
type Store interface {
	// Task operations
	CreateTask(task *models.Task) error
	GetTask(name string) (*models.Task, error)
	ListTasks() ([]*models.Task, error)
	TasksByIdentity(identity string) ([]*models.Task, error)
	UpdateTask(task *models.Task) error

	// TransitionTask performs a validated, audited status transition.
	// Returns (false, nil) when the task is already in the target state
	// (idempotent no-op).
	TransitionTask(name string, to models.TaskStatus, reason string) (bool, error)

	// ArchiveTask moves a terminal task into the done pool and records
	// its identity in the archive index for dedup.
	ArchiveTask(name string) error
	IsArchived(identity string) (bool, error)

	// Plan operations
	SavePlan(plan *models.Plan) error
	GetPlan(name string) (*models.Plan, error)
	ListPlans(task string) ([]*models.Plan, error)
	ListAllPlans() ([]*models.Plan, error)

	// Deferred queue: read-full, mutate, write-full
	ReadDeferredQueue() ([]*models.DeferredEntry, error)
	WriteDeferredQueue(entries []*models.DeferredEntry) error

	Close() error
}
