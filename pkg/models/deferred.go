package models

import (
	"time"
)

// DeferredStatus tracks the resolution path of a deferred action
type DeferredStatus string

const (
	DeferredStatusDeferred  DeferredStatus = "deferred"
	DeferredStatusRetried   DeferredStatus = "retried"
	DeferredStatusResolved  DeferredStatus = "resolved"
	DeferredStatusDismissed DeferredStatus = "dismissed"
)

// DeferredEntry preserves a failed action so it can be replayed without
// re-deriving it from the source task. The payload must be sufficient to
// re-attempt the action even after the task has been archived.
type DeferredEntry struct {
	ID       string                 `json:"id"`
	Action   string                 `json:"action"`
	Service  string                 `json:"service"`
	Error    string                 `json:"error"`
	Actor    string                 `json:"actor"`
	Task     string                 `json:"task,omitempty"`
	Payload  map[string]interface{} `json:"payload"`
	QueuedAt time.Time              `json:"queued_at"`
	Status   DeferredStatus         `json:"status"`
}

// Open reports whether the entry still needs a human decision
func (d *DeferredEntry) Open() bool {
	return d.Status == DeferredStatusDeferred || d.Status == DeferredStatusRetried
}
