// Package ingest handles controlled admission of incoming items into
// the vault: stable identity computation, deduplication against both
// the archive index and the live task set, and the inbox sweep.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/models"
	"github.com/taskvault/taskvault/pkg/store"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Item is a raw unit of work presented for admission
type Item struct {
	Name    string            // desired task file name
	Content string            // full content body
	Source  models.Source     // origin channel
	Meta    map[string]string // optional metadata (subject, sender, ...)
}

// Result reports the outcome of one admission attempt
type Result struct {
	Task     *models.Task
	Skipped  bool
	Identity string
}

// Admitter deduplicates and admits items into the store
type Admitter struct {
	store store.Store
	rec   store.Recorder
}

// NewAdmitter creates an Admitter writing through the given store
func NewAdmitter(st store.Store, rec store.Recorder) *Admitter {
	return &Admitter{store: st, rec: rec}
}

// Identity derives the stable dedup identity for an item:
// a slug of the name plus a truncated content digest. Requeued
// successors reuse the identity of the original task.
func Identity(name string, source models.Source, content string) string {
	sum := sha256.Sum256([]byte(string(source) + "|" + content))
	return slugify(name) + "-" + hex.EncodeToString(sum[:])[:12]
}

func slugify(name string) string {
	base := strings.TrimSuffix(strings.ToLower(name), filepath.Ext(name))
	slug := strings.Trim(slugPattern.ReplaceAllString(base, "-"), "-")
	if slug == "" {
		slug = "item"
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

// Admit deduplicates an item and creates a pending task for it.
// A repeated item (same identity, already archived or live without a
// successor) is skipped and audited, so admission is idempotent.
func (a *Admitter) Admit(item Item) (*Result, error) {
	if !models.ValidSource(item.Source) {
		return nil, fmt.Errorf("unknown source %q", item.Source)
	}

	identity := Identity(item.Name, item.Source, item.Content)

	archived, err := a.store.IsArchived(identity)
	if err != nil {
		return nil, fmt.Errorf("check archive index: %w", err)
	}
	if !archived {
		live, err := a.store.TasksByIdentity(identity)
		if err != nil {
			return nil, fmt.Errorf("check live tasks: %w", err)
		}
		for _, t := range live {
			if !t.Superseded() {
				archived = true
				break
			}
		}
	}
	if archived {
		if err := a.audit(audit.Entry{
			ActionType: audit.ActionDedupSkip,
			Actor:      audit.ActorIngest,
			Target:     item.Name,
			Result:     audit.ResultSkip,
			Parameters: map[string]interface{}{"identity": identity, "source": string(item.Source)},
		}); err != nil {
			return nil, err
		}
		return &Result{Skipped: true, Identity: identity}, nil
	}

	task := &models.Task{
		Name:     uniqueName(a.store, item.Name),
		Identity: identity,
		Content:  item.Content,
		Source:   item.Source,
		Status:   models.TaskStatusPending,
		Meta:     item.Meta,
	}
	if err := a.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("admit %s: %w", task.Name, err)
	}

	if err := a.audit(audit.Entry{
		ActionType: audit.ActionFileWrite,
		Actor:      audit.ActorIngest,
		Target:     task.Name,
		Parameters: map[string]interface{}{"identity": identity, "source": string(item.Source)},
	}); err != nil {
		return nil, err
	}
	return &Result{Task: task, Identity: identity}, nil
}

// SweepInbox admits every regular file found under the inbox directory
// and removes it once its content is safely owned by the store. Skipped
// duplicates are drained too.
func (a *Admitter) SweepInbox(inboxDir string) ([]*Result, error) {
	items, err := os.ReadDir(inboxDir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	names := make([]string, 0, len(items))
	for _, it := range items {
		if it.IsDir() || strings.HasPrefix(it.Name(), ".") || strings.HasSuffix(it.Name(), ".tmp") {
			continue
		}
		names = append(names, it.Name())
	}
	sort.Strings(names)

	var results []*Result
	for _, name := range names {
		path := filepath.Join(inboxDir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return results, fmt.Errorf("read inbox item %s: %w", name, err)
		}

		res, err := a.Admit(Item{Name: name, Content: string(content), Source: models.SourceInbox})
		if err != nil {
			return results, err
		}
		if err := os.Remove(path); err != nil {
			return results, fmt.Errorf("drain inbox item %s: %w", name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// uniqueName appends a counter when the desired file name collides with
// a different live task (distinct content, same name).
func uniqueName(st store.Store, name string) string {
	if _, err := st.GetTask(name); err != nil {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := st.GetTask(candidate); err != nil {
			return candidate
		}
	}
}

func (a *Admitter) audit(e audit.Entry) error {
	if a.rec == nil {
		return nil
	}
	return a.rec.Append(e)
}
