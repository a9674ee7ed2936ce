// Package partition models one month's slice of the dataset: the unit of
// idempotent work. A partition is always recomputed from the progress cursor,
// never persisted as an object.
package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPartition is returned for months outside 1..12 or malformed
// cursor values.
type ErrInvalidPartition struct {
	Value string
}

func (e *ErrInvalidPartition) Error() string {
	return fmt.Sprintf("invalid partition: %s", e.Value)
}

// Partition identifies one month of the dataset year.
type Partition struct {
	Year  int
	Month int // 1..12
}

// New validates and builds a partition.
func New(year, month int) (Partition, error) {
	if month < 1 || month > 12 {
		return Partition{}, &ErrInvalidPartition{Value: fmt.Sprintf("%d-%d", year, month)}
	}
	return Partition{Year: year, Month: month}, nil
}

// First returns the first partition of a dataset year.
func First(year int) Partition {
	return Partition{Year: year, Month: 1}
}

// String renders the canonical "YYYY-MM" cursor form.
func (p Partition) String() string {
	return fmt.Sprintf("%d-%02d", p.Year, p.Month)
}

// Next returns the following month within the same dataset year.
// After December there is no next partition: ok is false.
func (p Partition) Next() (next Partition, ok bool) {
	if p.Month >= 12 {
		return Partition{}, false
	}
	return Partition{Year: p.Year, Month: p.Month + 1}, true
}

// Before reports whether p sorts strictly before other in the total order
// (year ascending, then month ascending).
func (p Partition) Before(other Partition) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// Parse reads a "YYYY-MM" string back into a Partition.
func Parse(s string) (Partition, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Partition{}, &ErrInvalidPartition{Value: s}
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Partition{}, &ErrInvalidPartition{Value: s}
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return Partition{}, &ErrInvalidPartition{Value: s}
	}
	return New(year, month)
}

// Namer maps a partition to its upstream source URL and local artifact name.
// Pure and stateless; total for months 1..12.
type Namer struct {
	// BaseURL is the upstream directory the monthly artifacts live under,
	// without a trailing slash.
	BaseURL string
	// Prefix is the dataset file prefix, e.g. "yellow_tripdata".
	Prefix string
}

// ArtifactName returns the canonical local file name for a partition.
func (n Namer) ArtifactName(p Partition) string {
	return fmt.Sprintf("%s_%s.parquet", n.Prefix, p)
}

// SourceURL returns the deterministic upstream URL for a partition.
func (n Namer) SourceURL(p Partition) string {
	return strings.TrimSuffix(n.BaseURL, "/") + "/" + n.ArtifactName(p)
}
