// Package metadata persists the pipeline progress cursor in PostgreSQL and
// serializes runs with a session-level advisory lock.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/partition"
)

// MetadataError marks a failed cursor read or write. A cursor that cannot be
// trusted aborts the run; guessing progress risks double loads.
type MetadataError struct {
	Op  string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("progress metadata %s: %v", e.Op, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// Cursor is the durable record of the last fully completed partition.
type Cursor struct {
	Pipeline   string
	LastLoaded partition.Partition
	LoadedAt   time.Time
}

// Store reads and writes cursors in a single metadata table shared by all
// pipelines, keyed by pipeline name.
type Store struct {
	pool     *pgxpool.Pool
	table    string
	lockConn *pgxpool.Conn
}

// NewStore creates a Store over the given pool. The table name must already
// be validated by the config layer.
func NewStore(pool *pgxpool.Pool, table string) *Store {
	return &Store{pool: pool, table: table}
}

// Ensure creates the metadata table if it does not exist. Safe to call on
// every invocation.
func (s *Store) Ensure(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			pipeline_name TEXT PRIMARY KEY,
			last_loaded_month TEXT NOT NULL,
			last_loaded_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`, quoteIdent(s.table)))
	if err != nil {
		return &MetadataError{Op: "ensure", Err: err}
	}
	return nil
}

// Get returns the cursor for a pipeline, or nil when the pipeline has never
// completed a partition.
func (s *Store) Get(ctx context.Context, pipeline string) (*Cursor, error) {
	var month string
	var loadedAt time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT last_loaded_month, last_loaded_at FROM %s WHERE pipeline_name = $1",
		quoteIdent(s.table)), pipeline).Scan(&month, &loadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &MetadataError{Op: "read", Err: err}
	}

	p, err := partition.Parse(month)
	if err != nil {
		return nil, &MetadataError{Op: "read", Err: fmt.Errorf("stored cursor %q: %w", month, err)}
	}

	return &Cursor{Pipeline: pipeline, LastLoaded: p, LoadedAt: loadedAt}, nil
}

// Upsert records p as the last fully completed partition for the pipeline.
// The insert-or-update is a single atomic statement; the cursor is only ever
// written after the whole step chain has succeeded.
func (s *Store) Upsert(ctx context.Context, pipeline string, p partition.Partition) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (pipeline_name, last_loaded_month, last_loaded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pipeline_name)
		DO UPDATE SET last_loaded_month = EXCLUDED.last_loaded_month,
		              last_loaded_at = EXCLUDED.last_loaded_at
	`, quoteIdent(s.table)), pipeline, p.String())
	if err != nil {
		return &MetadataError{Op: "write", Err: err}
	}
	return nil
}

// TryLock takes the pipeline's advisory lock without blocking. Returns false
// when another invocation already holds it. The lock is session-scoped, so
// the Store pins a connection until Unlock.
func (s *Store) TryLock(ctx context.Context, pipeline string) (bool, error) {
	if s.lockConn != nil {
		return false, &MetadataError{Op: "lock", Err: errors.New("lock already held by this process")}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, &MetadataError{Op: "lock", Err: err}
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", pipeline).Scan(&acquired); err != nil {
		conn.Release()
		return false, &MetadataError{Op: "lock", Err: err}
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	s.lockConn = conn
	return true, nil
}

// Unlock releases the advisory lock and the pinned connection. A no-op when
// no lock is held.
func (s *Store) Unlock(ctx context.Context, pipeline string) error {
	if s.lockConn == nil {
		return nil
	}
	_, err := s.lockConn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", pipeline)
	s.lockConn.Release()
	s.lockConn = nil
	if err != nil {
		return &MetadataError{Op: "unlock", Err: err}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
