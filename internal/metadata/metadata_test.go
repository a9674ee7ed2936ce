package metadata

import (
	"errors"
	"testing"

	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/partition"
)

func TestMetadataErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&MetadataError{Op: "read", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("MetadataError did not unwrap to its cause")
	}
	var metaErr *MetadataError
	if !errors.As(err, &metaErr) {
		t.Error("errors.As failed to match *MetadataError")
	}
	if got := err.Error(); got != "progress metadata read: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCursorMonthRoundTrip(t *testing.T) {
	p, err := partition.New(2024, 7)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// The cursor column stores the partition's canonical text form.
	stored := p.String()
	if stored != "2024-07" {
		t.Fatalf("stored month = %q, want \"2024-07\"", stored)
	}

	back, err := partition.Parse(stored)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", stored, err)
	}
	if back != p {
		t.Errorf("round trip = %v, want %v", back, p)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("pipeline_metadata"); got != `"pipeline_metadata"` {
		t.Errorf("quoteIdent = %q", got)
	}
}
