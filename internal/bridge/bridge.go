// Package bridge reads monthly parquet artifacts and exposes their rows as
// text values ready for CSV-based bulk loading. Row counts come from the
// file footer, so a count never consumes the row stream.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
)

// ConversionError marks an artifact that could not be decoded. The file may
// be truncated, corrupt, or use a schema feature the loader does not handle.
type ConversionError struct {
	Path string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// formatFunc renders one parquet value as Postgres-compatible text.
type formatFunc func(parquet.Value) string

// Reader decodes one parquet artifact. Scans are restartable: each NewScan
// starts a fresh pass over the file, so a failed load can retry from row zero.
type Reader struct {
	path    string
	file    *os.File
	pf      *parquet.File
	columns []string
	formats []formatFunc
}

// OpenReader opens the artifact at path and resolves its schema. Column
// formatters are fixed here, once, from the parquet logical types.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConversionError{Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &ConversionError{Path: path, Err: err}
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, &ConversionError{Path: path, Err: err}
	}

	fields := pf.Schema().Fields()
	columns := make([]string, len(fields))
	formats := make([]formatFunc, len(fields))
	for i, field := range fields {
		if !field.Leaf() {
			f.Close()
			return nil, &ConversionError{Path: path, Err: fmt.Errorf("nested column %q is not supported", field.Name())}
		}
		columns[i] = field.Name()
		formats[i] = formatterFor(field)
	}

	return &Reader{path: path, file: f, pf: pf, columns: columns, formats: formats}, nil
}

// RowCount returns the row total recorded in the file footer.
func (r *Reader) RowCount() int64 { return r.pf.NumRows() }

// ColumnNames returns the column names in file order.
func (r *Reader) ColumnNames() []string { return r.columns }

// Path returns the artifact path this reader was opened on.
func (r *Reader) Path() string { return r.path }

// NewScan starts a fresh pass over all row groups.
func (r *Reader) NewScan() *Scan {
	return &Scan{
		reader:    r,
		rowGroups: r.pf.RowGroups(),
		rgIdx:     -1,
		buf:       make([]parquet.Row, 256),
	}
}

func (r *Reader) Close() error { return r.file.Close() }

// Scan iterates the artifact row by row. Next returns io.EOF after the last
// row; any other error wraps the decode failure as a ConversionError.
type Scan struct {
	reader    *Reader
	rowGroups []parquet.RowGroup
	rgIdx     int
	rows      parquet.Rows
	buf       []parquet.Row
	bufIdx    int
	bufLen    int
}

// Next returns the next row as one text value per column. Null values are
// rendered as empty strings, which the CSV load path treats as SQL NULL.
func (s *Scan) Next() ([]string, error) {
	for {
		if s.bufIdx < s.bufLen {
			row := s.buf[s.bufIdx]
			s.bufIdx++
			return s.convert(row)
		}

		if s.rows != nil {
			n, err := s.rows.ReadRows(s.buf)
			if n > 0 {
				s.bufIdx = 0
				s.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, &ConversionError{Path: s.reader.path, Err: err}
			}
			s.rows.Close()
			s.rows = nil
		}

		s.rgIdx++
		if s.rgIdx >= len(s.rowGroups) {
			return nil, io.EOF
		}
		s.rows = s.rowGroups[s.rgIdx].Rows()
	}
}

func (s *Scan) convert(row parquet.Row) ([]string, error) {
	out := make([]string, len(s.reader.columns))
	for _, val := range row {
		col := val.Column()
		if col < 0 || col >= len(out) {
			return nil, &ConversionError{Path: s.reader.path, Err: fmt.Errorf("value for unknown column index %d", col)}
		}
		if val.IsNull() {
			continue
		}
		out[col] = s.reader.formats[col](val)
	}
	return out, nil
}

// Close releases the in-flight row group, if any. The underlying file stays
// open and belongs to the Reader.
func (s *Scan) Close() error {
	if s.rows != nil {
		err := s.rows.Close()
		s.rows = nil
		return err
	}
	return nil
}

// formatterFor picks the text rendering for one leaf column based on its
// parquet logical type. Upstream taxi data uses INT64 timestamps
// (microseconds), doubles for amounts, and UTF8 flags.
func formatterFor(field parquet.Field) formatFunc {
	lt := field.Type().LogicalType()

	switch {
	case lt != nil && lt.Timestamp != nil:
		return timestampFormatter(lt.Timestamp.Unit)
	case lt != nil && lt.Date != nil:
		return func(v parquet.Value) string {
			return time.Unix(0, 0).UTC().AddDate(0, 0, int(v.Int32())).Format("2006-01-02")
		}
	case lt != nil && lt.Decimal != nil:
		return decimalFormatter(int(lt.Decimal.Scale))
	}

	switch field.Type().Kind() {
	case parquet.Boolean:
		return func(v parquet.Value) string { return strconv.FormatBool(v.Boolean()) }
	case parquet.Int32:
		return func(v parquet.Value) string { return strconv.FormatInt(int64(v.Int32()), 10) }
	case parquet.Int64:
		return func(v parquet.Value) string { return strconv.FormatInt(v.Int64(), 10) }
	case parquet.Float:
		return func(v parquet.Value) string { return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32) }
	case parquet.Double:
		return func(v parquet.Value) string { return strconv.FormatFloat(v.Double(), 'g', -1, 64) }
	default:
		return func(v parquet.Value) string { return v.String() }
	}
}

func timestampFormatter(unit format.TimeUnit) formatFunc {
	return func(v parquet.Value) string {
		n := v.Int64()
		var t time.Time
		switch {
		case unit.Millis != nil:
			t = time.UnixMilli(n)
		case unit.Nanos != nil:
			t = time.Unix(0, n)
		default:
			t = time.UnixMicro(n)
		}
		return t.UTC().Format("2006-01-02 15:04:05.999999")
	}
}

// decimalFormatter renders fixed-point decimals from their unscaled integer
// representation without a float round trip.
func decimalFormatter(scale int) formatFunc {
	return func(v parquet.Value) string {
		var unscaled *big.Int
		switch v.Kind() {
		case parquet.Int32:
			unscaled = big.NewInt(int64(v.Int32()))
		case parquet.Int64:
			unscaled = big.NewInt(v.Int64())
		default:
			unscaled = new(big.Int).SetBytes(v.ByteArray())
		}
		return formatDecimal(unscaled, scale)
	}
}

func formatDecimal(unscaled *big.Int, scale int) string {
	s := unscaled.String()
	if scale <= 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= scale {
		s = strings.Repeat("0", scale-len(s)+1) + s
	}
	s = s[:len(s)-scale] + "." + s[len(s)-scale:]
	if neg {
		s = "-" + s
	}
	return s
}
