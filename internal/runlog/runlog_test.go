package runlog

import (
	"testing"
)

func TestLedgerRecordsRunLifecycle(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	id, err := l.StartRun("nyc_taxi_2024", "incremental-step")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if id == "" {
		t.Fatal("StartRun returned an empty run ID")
	}

	run, err := l.LastRun("nyc_taxi_2024")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if run == nil || run.ID != id {
		t.Fatalf("LastRun = %+v, want run %s", run, id)
	}
	if run.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", run.Status, StatusRunning)
	}
	if run.CompletedAt != nil {
		t.Error("CompletedAt set before completion")
	}

	if err := l.CompleteRun(id, StatusSucceeded, "2024-04", 3514289, ""); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	run, err = l.LastRun("nyc_taxi_2024")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q", run.Status, StatusSucceeded)
	}
	if run.Partition != "2024-04" {
		t.Errorf("Partition = %q, want \"2024-04\"", run.Partition)
	}
	if run.RowsLoaded != 3514289 {
		t.Errorf("RowsLoaded = %d, want 3514289", run.RowsLoaded)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set after completion")
	}
}

func TestLedgerRecordsFailure(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	id, err := l.StartRun("nyc_taxi_2024", "full-refresh")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := l.CompleteRun(id, StatusFailed, "", 0, "artifact unavailable"); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	run, err := l.LastRun("nyc_taxi_2024")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", run.Status, StatusFailed)
	}
	if run.ErrorMessage != "artifact unavailable" {
		t.Errorf("ErrorMessage = %q", run.ErrorMessage)
	}
}

func TestLedgerIsolatesPipelines(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := l.StartRun("nyc_taxi_2023", "incremental-step"); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	runs, err := l.RecentRuns("nyc_taxi_2024", 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("RecentRuns for untouched pipeline = %d runs, want 0", len(runs))
	}

	run, err := l.LastRun("nyc_taxi_2024")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("LastRun for untouched pipeline = %+v, want nil", run)
	}
}

func TestLedgerReopens(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := l.StartRun("nyc_taxi_2024", "incremental-step")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := l.CompleteRun(id, StatusNoOp, "", 0, ""); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	l.Close()

	// History must survive process restarts.
	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	run, err := l2.LastRun("nyc_taxi_2024")
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if run == nil || run.ID != id || run.Status != StatusNoOp {
		t.Errorf("LastRun after reopen = %+v", run)
	}
}
