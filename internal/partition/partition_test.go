package partition

import (
	"errors"
	"testing"
)

func TestNewBounds(t *testing.T) {
	cases := []struct {
		name    string
		month   int
		wantErr bool
	}{
		{"january", 1, false},
		{"december", 12, false},
		{"zero", 0, true},
		{"thirteen", 13, true},
		{"negative", -3, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(2024, tc.month)
			if (err != nil) != tc.wantErr {
				t.Fatalf("New(2024, %d) error = %v, wantErr %v", tc.month, err, tc.wantErr)
			}
			if err != nil {
				var invalid *ErrInvalidPartition
				if !errors.As(err, &invalid) {
					t.Errorf("error type = %T, want *ErrInvalidPartition", err)
				}
			}
		})
	}
}

func TestStringZeroPadding(t *testing.T) {
	p := Partition{Year: 2024, Month: 7}
	if got := p.String(); got != "2024-07" {
		t.Errorf("String() = %q, want %q", got, "2024-07")
	}
}

func TestNextWithinYear(t *testing.T) {
	p := Partition{Year: 2024, Month: 11}
	next, ok := p.Next()
	if !ok {
		t.Fatal("Next() after November should exist")
	}
	if next != (Partition{Year: 2024, Month: 12}) {
		t.Errorf("Next() = %v, want 2024-12", next)
	}
}

func TestNextStopsAtDecember(t *testing.T) {
	p := Partition{Year: 2024, Month: 12}
	if _, ok := p.Next(); ok {
		t.Error("Next() after December should not wrap into the next year")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for month := 1; month <= 12; month++ {
		p := Partition{Year: 2024, Month: month}
		parsed, err := Parse(p.String())
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", p.String(), err)
		}
		if parsed != p {
			t.Errorf("Parse(%q) = %v, want %v", p.String(), parsed, p)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "2024", "2024-", "2024-13", "abcd-01", "2024-xx"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error", s)
		}
	}
}

func TestBefore(t *testing.T) {
	a := Partition{Year: 2024, Month: 3}
	b := Partition{Year: 2024, Month: 4}
	c := Partition{Year: 2025, Month: 1}

	if !a.Before(b) || !b.Before(c) {
		t.Error("expected 2024-03 < 2024-04 < 2025-01")
	}
	if b.Before(a) || a.Before(a) {
		t.Error("Before is not a strict order")
	}
}

func TestNamer(t *testing.T) {
	n := Namer{
		BaseURL: "https://d37ci6vzurychx.cloudfront.net/trip-data/",
		Prefix:  "yellow_tripdata",
	}
	p := Partition{Year: 2024, Month: 7}

	if got := n.ArtifactName(p); got != "yellow_tripdata_2024-07.parquet" {
		t.Errorf("ArtifactName = %q", got)
	}
	want := "https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_2024-07.parquet"
	if got := n.SourceURL(p); got != want {
		t.Errorf("SourceURL = %q, want %q", got, want)
	}
}
