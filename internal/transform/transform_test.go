package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// recordingExecer captures executed SQL batches.
type recordingExecer struct {
	batches []string
	err     error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) error {
	r.batches = append(r.batches, sql)
	return r.err
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}
}

func TestRunnerExecutesScriptText(t *testing.T) {
	dir := t.TempDir()
	body := "DROP TABLE IF EXISTS silver_taxi_data_2024;\nCREATE TABLE silver_taxi_data_2024 AS SELECT 1;\n"
	writeScript(t, dir, "transform_silver.sql", body)

	db := &recordingExecer{}
	r := NewRunner(db, dir, "create_raw_table.sql", "transform_silver.sql", "aggregate_gold.sql")

	if err := r.RunCleaning(context.Background()); err != nil {
		t.Fatalf("RunCleaning failed: %v", err)
	}
	if len(db.batches) != 1 {
		t.Fatalf("executed %d batches, want 1", len(db.batches))
	}
	if db.batches[0] != body {
		t.Errorf("executed SQL = %q, want the script text verbatim", db.batches[0])
	}
}

func TestRunnerMissingScript(t *testing.T) {
	db := &recordingExecer{}
	r := NewRunner(db, t.TempDir(), "create_raw_table.sql", "transform_silver.sql", "aggregate_gold.sql")

	err := r.RunAggregation(context.Background())
	if err == nil {
		t.Fatal("RunAggregation succeeded with no script on disk")
	}
	var tErr *TransformError
	if !errors.As(err, &tErr) {
		t.Fatalf("error = %v, want *TransformError", err)
	}
	if tErr.Script != "aggregate_gold.sql" {
		t.Errorf("Script = %q", tErr.Script)
	}
	if len(db.batches) != 0 {
		t.Error("a missing script must not reach the database")
	}
}

func TestRunnerDatabaseFailure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "create_raw_table.sql", "CREATE TABLE IF NOT EXISTS raw_taxi_data_2024 ();")

	cause := errors.New("deadlock detected")
	db := &recordingExecer{err: cause}
	r := NewRunner(db, dir, "create_raw_table.sql", "transform_silver.sql", "aggregate_gold.sql")

	err := r.EnsureRawSchema(context.Background())
	var tErr *TransformError
	if !errors.As(err, &tErr) {
		t.Fatalf("error = %v, want *TransformError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("TransformError did not unwrap to the database error")
	}
	if !strings.Contains(err.Error(), "create_raw_table.sql") {
		t.Errorf("error message %q does not name the script", err.Error())
	}
}
