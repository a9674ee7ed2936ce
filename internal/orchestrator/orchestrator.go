// Package orchestrator sequences pipeline runs. It owns the run-level lock,
// the month loop, the load-or-skip decision, and the rule that the progress
// cursor moves only after a partition's full step chain has succeeded.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/bridge"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/config"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/fetch"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/logging"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/metadata"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/partition"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/warehouse"
)

// ErrAlreadyRunning is returned when another invocation holds the pipeline's
// advisory lock.
var ErrAlreadyRunning = errors.New("another invocation is already running this pipeline")

// State is the orchestrator's current phase, for logging and diagnostics.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateConverting
	StateDeciding
	StateSkipped
	StateLoading
	StateTransforming
	StateAggregating
	StateCommittingProgress
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateConverting:
		return "converting"
	case StateDeciding:
		return "deciding"
	case StateSkipped:
		return "skipped"
	case StateLoading:
		return "loading"
	case StateTransforming:
		return "transforming"
	case StateAggregating:
		return "aggregating"
	case StateCommittingProgress:
		return "committing-progress"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ArtifactFetcher ensures artifacts exist locally and cleans them up.
type ArtifactFetcher interface {
	Ensure(ctx context.Context, url, dest string) (fetch.Status, error)
	Remove(path string) error
}

// ArtifactReader exposes one artifact's rows and footer count.
type ArtifactReader interface {
	RowCount() int64
	ColumnNames() []string
	NewScan() warehouse.RowScan
	Close() error
}

// OpenFunc opens an artifact for reading.
type OpenFunc func(path string) (ArtifactReader, error)

// Warehouse is the loading side of the run.
type Warehouse interface {
	RowCount(ctx context.Context, table string) (int64, error)
	ReplaceAll(ctx context.Context, table string, sources []warehouse.Source) (int64, error)
	AppendOne(ctx context.Context, table string, src warehouse.Source) (int64, error)
}

// Transformer runs the schema, cleaning, and aggregation scripts.
type Transformer interface {
	EnsureRawSchema(ctx context.Context) error
	RunCleaning(ctx context.Context) error
	RunAggregation(ctx context.Context) error
}

// ProgressStore is the durable cursor plus the run-level lock.
type ProgressStore interface {
	Ensure(ctx context.Context) error
	Get(ctx context.Context, pipeline string) (*metadata.Cursor, error)
	Upsert(ctx context.Context, pipeline string, p partition.Partition) error
	TryLock(ctx context.Context, pipeline string) (bool, error)
	Unlock(ctx context.Context, pipeline string) error
}

// Result summarizes a completed run.
type Result struct {
	Mode       string
	Partition  string
	RowsLoaded int64
	NoOp       bool
}

// Orchestrator drives one pipeline invocation.
type Orchestrator struct {
	cfg      *config.Config
	namer    partition.Namer
	fetcher  ArtifactFetcher
	open     OpenFunc
	wh       Warehouse
	tf       Transformer
	progress ProgressStore
	state    State
}

// New wires an Orchestrator from its collaborators.
func New(cfg *config.Config, fetcher ArtifactFetcher, open OpenFunc, wh Warehouse, tf Transformer, progress ProgressStore) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		namer:    partition.Namer{BaseURL: cfg.Dataset.BaseURL, Prefix: cfg.Dataset.Prefix},
		fetcher:  fetcher,
		open:     open,
		wh:       wh,
		tf:       tf,
		progress: progress,
		state:    StateIdle,
	}
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	logging.Debug("Pipeline state: %s", s)
}

// State returns the orchestrator's current phase.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) artifactPath(p partition.Partition) string {
	return filepath.Join(o.cfg.Pipeline.DataDir, o.namer.ArtifactName(p))
}

// lock takes the pipeline advisory lock and prepares the metadata table and
// raw schema. Both preparation steps are idempotent.
func (o *Orchestrator) lock(ctx context.Context) error {
	if err := o.progress.Ensure(ctx); err != nil {
		return err
	}
	ok, err := o.progress.TryLock(ctx, o.cfg.Pipeline.Name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	return o.tf.EnsureRawSchema(ctx)
}

// FullRefresh reconciles the whole dataset year. Every month is fetched; an
// unavailable month aborts the run with a TransferError, leaving everything
// already loaded in place. Months whose rows are already fully represented in
// the raw table are skipped.
func (o *Orchestrator) FullRefresh(ctx context.Context) (*Result, error) {
	if err := o.lock(ctx); err != nil {
		o.setState(StateAborted)
		return nil, err
	}
	defer o.progress.Unlock(ctx, o.cfg.Pipeline.Name)

	readers := make(map[int]ArtifactReader)
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var rowsLoaded int64
	for p, ok := partition.First(o.cfg.Dataset.Year), true; ok; p, ok = p.Next() {
		if err := ctx.Err(); err != nil {
			o.setState(StateAborted)
			return nil, err
		}

		o.setState(StateFetching)
		url := o.namer.SourceURL(p)
		status, err := o.fetcher.Ensure(ctx, url, o.artifactPath(p))
		if err != nil {
			o.setState(StateAborted)
			return nil, err
		}
		if status == fetch.StatusUnavailable {
			o.setState(StateAborted)
			logging.Error("Artifact for %s is unavailable, aborting full refresh", p)
			return nil, &fetch.TransferError{URL: url}
		}

		o.setState(StateConverting)
		if err := o.openPresent(readers); err != nil {
			o.setState(StateAborted)
			return nil, err
		}

		o.setState(StateDeciding)
		mergedCount := int64(0)
		for _, r := range readers {
			mergedCount += r.RowCount()
		}
		destCount, err := o.wh.RowCount(ctx, o.cfg.Tables.Raw)
		if err != nil {
			o.setState(StateAborted)
			return nil, err
		}

		if warehouse.Decide(mergedCount, destCount) == warehouse.DecisionSkip {
			o.setState(StateSkipped)
			logging.Info("Month %s: raw table already holds %d rows, skipping load", p, destCount)
			continue
		}

		o.setState(StateLoading)
		logging.Info("Month %s: source has %d rows, raw table has %d, reloading", p, mergedCount, destCount)
		n, err := o.wh.ReplaceAll(ctx, o.cfg.Tables.Raw, o.sources(readers))
		if err != nil {
			o.setState(StateAborted)
			return nil, err
		}
		rowsLoaded = n
	}

	if err := o.finishTransforms(ctx); err != nil {
		return nil, err
	}

	// Artifacts stay on disk regardless of delete_after_load: the next full
	// refresh needs the whole set to compute the merged source count without
	// re-downloading the year.
	o.setState(StateIdle)
	return &Result{Mode: "full-refresh", RowsLoaded: rowsLoaded}, nil
}

// IncrementalStep advances the pipeline by exactly one partition: the first
// month after the cursor. The cursor is committed only after the load,
// cleaning, and aggregation have all succeeded, so a crashed step replays the
// same month on the next invocation.
func (o *Orchestrator) IncrementalStep(ctx context.Context) (*Result, error) {
	if err := o.lock(ctx); err != nil {
		o.setState(StateAborted)
		return nil, err
	}
	defer o.progress.Unlock(ctx, o.cfg.Pipeline.Name)

	cursor, err := o.progress.Get(ctx, o.cfg.Pipeline.Name)
	if err != nil {
		o.setState(StateAborted)
		return nil, err
	}

	var next partition.Partition
	if cursor == nil {
		next = partition.First(o.cfg.Dataset.Year)
	} else {
		n, ok := cursor.LastLoaded.Next()
		if !ok {
			logging.Info("All partitions for %d are loaded, nothing to do", o.cfg.Dataset.Year)
			o.setState(StateIdle)
			return &Result{Mode: "incremental-step", NoOp: true}, nil
		}
		next = n
	}

	o.setState(StateFetching)
	url := o.namer.SourceURL(next)
	dest := o.artifactPath(next)
	status, err := o.fetcher.Ensure(ctx, url, dest)
	if err != nil {
		o.setState(StateAborted)
		return nil, err
	}
	if status == fetch.StatusUnavailable {
		logging.Info("Artifact for %s is not yet published, will retry next invocation", next)
		o.setState(StateIdle)
		return &Result{Mode: "incremental-step", NoOp: true}, nil
	}

	o.setState(StateConverting)
	reader, err := o.open(dest)
	if err != nil {
		o.setState(StateAborted)
		return nil, err
	}
	defer reader.Close()

	o.setState(StateLoading)
	logging.Info("Loading partition %s (%d rows) into %s", next, reader.RowCount(), o.cfg.Tables.Raw)
	n, err := o.wh.AppendOne(ctx, o.cfg.Tables.Raw, warehouse.Source{
		Name:    o.namer.ArtifactName(next),
		Columns: reader.ColumnNames(),
		Scan:    reader.NewScan(),
	})
	if err != nil {
		o.setState(StateAborted)
		return nil, err
	}

	if err := o.finishTransforms(ctx); err != nil {
		return nil, err
	}

	o.setState(StateCommittingProgress)
	if err := o.progress.Upsert(ctx, o.cfg.Pipeline.Name, next); err != nil {
		o.setState(StateAborted)
		return nil, err
	}
	logging.Info("Cursor advanced to %s", next)

	if o.cfg.Pipeline.DeleteAfterLoad {
		reader.Close()
		if err := o.fetcher.Remove(dest); err != nil {
			logging.Warn("Could not delete artifact %s: %v", dest, err)
		}
	}

	o.setState(StateIdle)
	return &Result{Mode: "incremental-step", Partition: next.String(), RowsLoaded: n}, nil
}

// finishTransforms runs the cleaning and aggregation scripts, in that order.
func (o *Orchestrator) finishTransforms(ctx context.Context) error {
	o.setState(StateTransforming)
	if err := o.tf.RunCleaning(ctx); err != nil {
		o.setState(StateAborted)
		return err
	}
	o.setState(StateAggregating)
	if err := o.tf.RunAggregation(ctx); err != nil {
		o.setState(StateAborted)
		return err
	}
	return nil
}

// openPresent opens a reader for every monthly artifact currently on disk
// that is not already open. Artifacts left behind by earlier runs count
// toward the merged source just like freshly fetched ones.
func (o *Orchestrator) openPresent(readers map[int]ArtifactReader) error {
	for p, ok := partition.First(o.cfg.Dataset.Year), true; ok; p, ok = p.Next() {
		if _, open := readers[p.Month]; open {
			continue
		}
		path := o.artifactPath(p)
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		r, err := o.open(path)
		if err != nil {
			return err
		}
		readers[p.Month] = r
	}
	return nil
}

// sources flattens the open readers into load sources in month order.
func (o *Orchestrator) sources(readers map[int]ArtifactReader) []warehouse.Source {
	months := make([]int, 0, len(readers))
	for m := range readers {
		months = append(months, m)
	}
	sort.Ints(months)

	out := make([]warehouse.Source, 0, len(readers))
	for _, m := range months {
		p, err := partition.New(o.cfg.Dataset.Year, m)
		if err != nil {
			continue
		}
		r := readers[m]
		out = append(out, warehouse.Source{
			Name:    o.namer.ArtifactName(p),
			Columns: r.ColumnNames(),
			Scan:    r.NewScan(),
		})
	}
	return out
}

// OpenParquet is the production OpenFunc, backed by the parquet bridge.
func OpenParquet(path string) (ArtifactReader, error) {
	r, err := bridge.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return parquetReader{r}, nil
}

// parquetReader narrows *bridge.Scan to the warehouse scan interface.
type parquetReader struct {
	*bridge.Reader
}

func (p parquetReader) NewScan() warehouse.RowScan { return p.Reader.NewScan() }
