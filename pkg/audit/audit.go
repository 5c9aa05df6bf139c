// Package audit implements the append-only structured audit log.
//
// Every action (file write, status transition, execution attempt,
// approval, deferral) is appended as a JSON object to one segment file
// per UTC day: <dir>/YYYY-MM-DD.json. The segment sequence is the
// ground truth the dashboard projector folds over.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Action types recorded in the log
const (
	ActionFileWrite        = "file_write"
	ActionDedupSkip        = "dedup_skip"
	ActionStatusTransition = "status_transition"
	ActionPlanCreated      = "plan_created"
	ActionApprovalCreated  = "approval_created"
	ActionApprovalObserved = "approval_observed"
	ActionExecuteAttempt   = "execute_attempt"
	ActionExecuteResult    = "execute_result"
	ActionRetryQueued      = "retry_queued"
	ActionDeferred         = "deferred"
	ActionDeferredReplay   = "deferred_replay"
	ActionCrossCheck       = "cross_check"
	ActionAlertCreated     = "alert_created"
	ActionAlertReissued    = "alert_reissued"
	ActionCycleStart       = "cycle_start"
	ActionCycleEnd         = "cycle_end"
)

// Actor identifiers
const (
	ActorEngine    = "engine"
	ActorIngest    = "ingest"
	ActorLadder    = "escalation-ladder"
	ActorGate      = "approval-gate"
	ActorProjector = "dashboard-projector"
	ActorHuman     = "human"
)

// Approval-status values for entries
const (
	ApprovalNA       = "n_a"
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Result values for entries
const (
	ResultSuccess = "success"
	ResultFail    = "fail"
	ResultSkip    = "skip"
)

// Entry is one immutable audit record
type Entry struct {
	Timestamp      time.Time              `json:"timestamp"`
	ActionType     string                 `json:"action_type"`
	Actor          string                 `json:"actor"`
	Target         string                 `json:"target"`
	Parameters     map[string]interface{} `json:"parameters"`
	ApprovalStatus string                 `json:"approval_status"`
	Result         string                 `json:"result"`
	Error          string                 `json:"error,omitempty"`
}

// Log appends entries to daily JSON segments under dir. Appends are
// serialized; within a segment entries are strictly ordered by timestamp.
type Log struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewLog creates an audit log rooted at dir, creating it if needed
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	return &Log{dir: dir, now: time.Now}, nil
}

// SetClock overrides the time source (tests only)
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append writes one entry to today's segment. Timestamp is assigned
// here if unset so callers cannot reorder the segment.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Parameters == nil {
		e.Parameters = map[string]interface{}{}
	}
	if e.ApprovalStatus == "" {
		e.ApprovalStatus = ApprovalNA
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}

	segment := filepath.Join(l.dir, now.Format("2006-01-02")+".json")

	entries, err := readSegment(segment)
	if err != nil {
		return err
	}
	entries = append(entries, e)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit segment: %w", err)
	}

	tmp := segment + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write audit segment: %w", err)
	}
	if err := os.Rename(tmp, segment); err != nil {
		return fmt.Errorf("replace audit segment: %w", err)
	}
	return nil
}

// Recent returns the n most recent entries across all daily segments,
// newest first. Segments are read newest-first and reading stops once
// enough entries are collected to sort correctly across file boundaries.
func (l *Log) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	names, err := segmentNames(l.dir)
	if err != nil {
		return nil, err
	}
	// Daily segments are named YYYY-MM-DD.json, so a reverse
	// lexical sort is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var all []Entry
	for _, name := range names {
		entries, err := readSegment(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		all = append(all, entries...)
		// Over-fetch so the sort below is correct across segments
		if len(all) >= n*3 {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// ForDate returns all entries for a given UTC date (YYYY-MM-DD)
func (l *Log) ForDate(date string) ([]Entry, error) {
	return readSegment(filepath.Join(l.dir, date+".json"))
}

func segmentNames(dir string) ([]string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var names []string
	for _, it := range items {
		if !it.IsDir() && filepath.Ext(it.Name()) == ".json" {
			names = append(names, it.Name())
		}
	}
	return names, nil
}

func readSegment(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit segment %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse audit segment %s: %w", path, err)
	}
	return entries, nil
}
