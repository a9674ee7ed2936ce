// Package transform runs the SQL transformation scripts that derive the
// cleaned and aggregated tables from the raw layer. Scripts are plain .sql
// files executed whole; they are written to be idempotent, so re-running one
// converges on the same result.
package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/logging"
)

// TransformError marks a failed transformation script. The raw layer is
// already loaded when this happens; re-invocation replays the script.
type TransformError struct {
	Script string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform script %s: %v", e.Script, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Execer runs a statement against the warehouse.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// Runner executes the pipeline's SQL scripts from a script directory.
type Runner struct {
	db     Execer
	dir    string
	schema string
	clean  string
	agg    string
}

// NewRunner creates a Runner. The three script names are resolved against
// dir at call time, so scripts can change between invocations.
func NewRunner(db Execer, dir, schemaScript, cleaningScript, aggregationScript string) *Runner {
	return &Runner{db: db, dir: dir, schema: schemaScript, clean: cleaningScript, agg: aggregationScript}
}

// EnsureRawSchema creates the raw table when missing. The script uses
// CREATE TABLE IF NOT EXISTS, so running it against an existing table is a
// no-op.
func (r *Runner) EnsureRawSchema(ctx context.Context) error {
	return r.runScript(ctx, r.schema)
}

// RunCleaning rebuilds the cleaned table from the raw layer.
func (r *Runner) RunCleaning(ctx context.Context) error {
	return r.runScript(ctx, r.clean)
}

// RunAggregation rebuilds the aggregated table from the cleaned layer.
func (r *Runner) RunAggregation(ctx context.Context) error {
	return r.runScript(ctx, r.agg)
}

// runScript reads one SQL file and executes its full text as a single batch.
func (r *Runner) runScript(ctx context.Context, name string) error {
	path := filepath.Join(r.dir, name)
	text, err := os.ReadFile(path)
	if err != nil {
		return &TransformError{Script: name, Err: err}
	}

	logging.Info("Running SQL script: %s", name)
	if err := r.db.Exec(ctx, string(text)); err != nil {
		return &TransformError{Script: name, Err: err}
	}
	logging.Info("Completed SQL script: %s", name)
	return nil
}
