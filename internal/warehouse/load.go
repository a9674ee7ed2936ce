package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/logging"
)

// Decision is the outcome of comparing source and destination row counts.
type Decision int

const (
	// DecisionLoad means the destination is out of sync and must be loaded.
	DecisionLoad Decision = iota
	// DecisionSkip means source and destination already agree.
	DecisionSkip
)

func (d Decision) String() string {
	if d == DecisionSkip {
		return "skip"
	}
	return "load"
}

// Decide compares source and destination row counts. Counts are equal-and-zero
// on a first run against an empty table, and that must load, not skip, so the
// skip branch requires a positive count.
func Decide(sourceCount, destCount int64) Decision {
	if sourceCount == destCount && sourceCount > 0 {
		return DecisionSkip
	}
	return DecisionLoad
}

// RowScan yields one text value per column per row. Next returns io.EOF after
// the last row.
type RowScan interface {
	Next() ([]string, error)
}

// Source is one artifact's worth of rows ready for loading.
type Source struct {
	Name    string
	Columns []string
	Scan    RowScan
}

// ReplaceAll truncates the table and loads every source inside a single
// transaction. Either the table ends up holding exactly the union of the
// sources, or the transaction rolls back and the table is untouched.
func (p *Pool) ReplaceAll(ctx context.Context, table string, sources []Source) (int64, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("acquiring connection: %w", err)}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(table))); err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("truncating: %w", err)}
	}

	var total int64
	for _, src := range sources {
		n, err := copyCSV(ctx, conn, table, src)
		if err != nil {
			return 0, &LoadError{Table: table, Err: err}
		}
		logging.Info("Loaded %d rows from %s into %s", n, src.Name, table)
		total += n
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("committing: %w", err)}
	}
	return total, nil
}

// AppendOne loads a single source into the table without truncating,
// transactionally. The incremental path appends exactly one partition.
func (p *Pool) AppendOne(ctx context.Context, table string, src Source) (int64, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("acquiring connection: %w", err)}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	n, err := copyCSV(ctx, conn, table, src)
	if err != nil {
		return 0, &LoadError{Table: table, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("committing: %w", err)}
	}

	logging.Info("Loaded %d rows from %s into %s", n, src.Name, table)
	return n, nil
}

// copyCSV streams one source through COPY ... FROM STDIN WITH (FORMAT csv)
// on the connection's wire protocol. Empty fields are unquoted in the CSV
// stream, which COPY reads as NULL. Runs inside whatever transaction is open
// on conn.
func copyCSV(ctx context.Context, conn *pgxpool.Conn, table string, src Source) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := encodeCSV(pw, src.Scan, len(src.Columns))
		pw.CloseWithError(err)
	}()

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, pr, copySQL(table, src.Columns))
	if err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("copying %s: %w", src.Name, err)
	}
	return tag.RowsAffected(), nil
}

// copySQL builds the COPY statement for a source's column set.
func copySQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv)",
		quoteIdent(table), strings.Join(quoted, ", "))
}

// encodeCSV drains the scan into w as CSV. Every row must have exactly width
// fields; a mismatched row aborts the stream.
func encodeCSV(w io.Writer, scan RowScan, width int) (int64, error) {
	cw := csv.NewWriter(w)
	var rows int64
	for {
		record, err := scan.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, err
		}
		if len(record) != width {
			return rows, fmt.Errorf("row %d has %d fields, expected %d", rows+1, len(record), width)
		}
		if err := cw.Write(record); err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}
