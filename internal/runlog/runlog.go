// Package runlog keeps a local SQLite ledger of pipeline invocations. The
// warehouse cursor records only the latest completed partition; the ledger
// keeps the run-by-run history behind the status and history commands.
package runlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusNoOp      = "no-op"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID           string
	Pipeline     string
	Mode         string
	Partition    string
	Status       string
	RowsLoaded   int64
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// Ledger manages run history in SQLite.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger under dataDir.
func Open(dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pipeline.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening run ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}

	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		mode TEXT NOT NULL,
		partition_month TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		rows_loaded INTEGER DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline, started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun records a new invocation and returns its run ID.
func (l *Ledger) StartRun(pipeline, mode string) (string, error) {
	id := uuid.NewString()
	_, err := l.db.Exec(`
		INSERT INTO runs (id, pipeline, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, pipeline, mode, StatusRunning, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteRun finalizes a run with its outcome. partitionMonth is empty for
// full refreshes and for no-op incremental steps.
func (l *Ledger) CompleteRun(id, status, partitionMonth string, rowsLoaded int64, errorMsg string) error {
	_, err := l.db.Exec(`
		UPDATE runs
		SET status = ?, partition_month = ?, rows_loaded = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, status, partitionMonth, rowsLoaded, time.Now().UTC().Format(time.RFC3339), errorMsg, id)
	return err
}

// RecentRuns returns the newest runs for a pipeline, most recent first.
func (l *Ledger) RecentRuns(pipeline string, limit int) ([]Run, error) {
	rows, err := l.db.Query(`
		SELECT id, pipeline, mode, COALESCE(partition_month, ''), status,
		       rows_loaded, started_at, completed_at, COALESCE(error_message, '')
		FROM runs WHERE pipeline = ?
		ORDER BY started_at DESC, id DESC LIMIT ?
	`, pipeline, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Mode, &r.Partition, &r.Status,
			&r.RowsLoaded, &startedAt, &completedAt, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339, completedAt.String)
			if err == nil {
				r.CompletedAt = &t
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the most recent run for a pipeline, or nil when the ledger
// has none.
func (l *Ledger) LastRun(pipeline string) (*Run, error) {
	runs, err := l.RecentRuns(pipeline, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
