package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskvault/taskvault/pkg/models"
)

// ArchiveIndex records the identities of archived (terminal) tasks in
// SQLite so dedup survives cleanup of the done pool. The done pool
// holds the artifacts; this index is the authoritative dedup set.
type ArchiveIndex struct {
	db *sql.DB
}

// NewArchiveIndex opens (or creates) the index database
func NewArchiveIndex(dbPath string) (*ArchiveIndex, error) {
	// WAL plus a generous busy timeout; a single connection serializes
	// writes and avoids SQLITE_BUSY under our single-writer discipline.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	idx := &ArchiveIndex{db: db}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return idx, nil
}

func (a *ArchiveIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived (
		identity TEXT PRIMARY KEY,
		task_name TEXT NOT NULL,
		status TEXT NOT NULL,
		archived_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archived_name ON archived(task_name);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Add records an archived task identity. Re-archiving the same identity
// (a requeued successor completing later) replaces the row.
func (a *ArchiveIndex) Add(identity, taskName string, status models.TaskStatus) error {
	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO archived (identity, task_name, status, archived_at)
		VALUES (?, ?, ?, ?)
	`, identity, taskName, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record archived identity: %w", err)
	}
	return nil
}

// Has reports whether an identity has been archived
func (a *ArchiveIndex) Has(identity string) (bool, error) {
	var count int
	err := a.db.QueryRow(`SELECT COUNT(1) FROM archived WHERE identity = ?`, identity).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query archive index: %w", err)
	}
	return count > 0, nil
}

// Count returns the number of archived identities
func (a *ArchiveIndex) Count() (int, error) {
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(1) FROM archived`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count archive index: %w", err)
	}
	return count, nil
}

// Close closes the underlying database
func (a *ArchiveIndex) Close() error {
	return a.db.Close()
}
