package warehouse

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		sourceCount int64
		destCount   int64
		want        Decision
	}{
		{"counts match", 2964624, 2964624, DecisionSkip},
		{"destination behind", 2964624, 0, DecisionLoad},
		{"destination stale", 2964624, 2964000, DecisionLoad},
		{"both zero loads", 0, 0, DecisionLoad},
		{"destination ahead", 100, 200, DecisionLoad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.sourceCount, tt.destCount); got != tt.want {
				t.Errorf("Decide(%d, %d) = %v, want %v", tt.sourceCount, tt.destCount, got, tt.want)
			}
		})
	}
}

func TestCopySQL(t *testing.T) {
	got := copySQL("raw_taxi_data_2024", []string{"vendor_id", "fare_amount"})
	want := `COPY "raw_taxi_data_2024" ("vendor_id", "fare_amount") FROM STDIN WITH (FORMAT csv)`
	if got != want {
		t.Errorf("copySQL = %q, want %q", got, want)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`weird"name`); got != `"weird""name"` {
		t.Errorf("quoteIdent = %q", got)
	}
}

// sliceScan feeds fixed rows to encodeCSV.
type sliceScan struct {
	rows [][]string
	idx  int
}

func (s *sliceScan) Next() ([]string, error) {
	if s.idx >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.idx]
	s.idx++
	return row, nil
}

func TestEncodeCSV(t *testing.T) {
	scan := &sliceScan{rows: [][]string{
		{"1", "2024-01-15 08:30:00", "12.5", "N"},
		{"2", "2024-01-15 09:00:00", "7", ""},
		{"2", "2024-01-16 23:45:12", "has,comma", "Y"},
	}}

	var buf bytes.Buffer
	n, err := encodeCSV(&buf, scan, 4)
	if err != nil {
		t.Fatalf("encodeCSV failed: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3", len(lines))
	}
	// Empty field stays unquoted so COPY reads it as NULL.
	if lines[1] != "2,2024-01-15 09:00:00,7," {
		t.Errorf("line 2 = %q", lines[1])
	}
	// Fields containing the delimiter get quoted.
	if lines[2] != `2,2024-01-16 23:45:12,"has,comma",Y` {
		t.Errorf("line 3 = %q", lines[2])
	}
}

func TestEncodeCSVRejectsRaggedRows(t *testing.T) {
	scan := &sliceScan{rows: [][]string{
		{"1", "2"},
		{"only-one"},
	}}

	var buf bytes.Buffer
	if _, err := encodeCSV(&buf, scan, 2); err == nil {
		t.Fatal("encodeCSV accepted a row with the wrong field count")
	}
}
