package core

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleRecords() []Record {
	return []Record{
		{ID: "3", Description: "Gas", Amount: decimal.NewFromInt(20), Person: "Älice", CreatedAt: day("2024-03-01").Add(15 * time.Hour)},
		{ID: "2", Description: "Bread", Amount: decimal.NewFromInt(30), Person: "Bob", CreatedAt: day("2024-02-01")},
		{ID: "1", Description: "Milk", Amount: decimal.NewFromInt(50), Person: "Alice", CreatedAt: day("2024-01-01")},
	}
}

func ids(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestApplyFilterIdentity(t *testing.T) {
	in := sampleRecords()
	got := ApplyFilter(in, Filter{})
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("empty filter must return input unchanged: %v", ids(got))
	}
	got[0].Person = "mutated"
	if in[0].Person == "mutated" {
		t.Fatalf("result must not alias the input")
	}
}

func TestApplyFilterPersonScenario(t *testing.T) {
	in := []Record{
		{ID: "1", Person: "Alice", Amount: decimal.NewFromInt(50), CreatedAt: day("2024-01-01")},
		{ID: "2", Person: "Bob", Amount: decimal.NewFromInt(30), CreatedAt: day("2024-02-01")},
	}
	got := ApplyFilter(in, Filter{Person: "ali"})
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only record 1, got %v", ids(got))
	}
}

func TestApplyFilterPersonSoundAndComplete(t *testing.T) {
	in := sampleRecords()
	for _, p := range []string{"a", "LI", "bob", "älice", "zz"} {
		got := ApplyFilter(in, Filter{Person: p})
		want := 0
		for _, r := range in {
			if (Filter{Person: p}).Match(r) {
				want++
			}
		}
		if len(got) != want {
			t.Fatalf("person %q: got %d records, want %d", p, len(got), want)
		}
	}
	if got := ApplyFilter(in, Filter{Person: "ÄLICE"}); len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("unicode fold failed: %v", ids(got))
	}
}

func TestApplyFilterDateBoundsInclusive(t *testing.T) {
	in := sampleRecords()
	f, err := ParseFilter("", "2024-02-01", "2024-03-01")
	if err != nil {
		t.Fatal(err)
	}
	got := ApplyFilter(in, f)
	if !reflect.DeepEqual(ids(got), []string{"3", "2"}) {
		t.Fatalf("unexpected ids %v", ids(got))
	}
	for _, r := range got {
		if r.CreatedAt.Before(f.From) || r.CreatedAt.After(f.To) {
			t.Fatalf("record %s outside bounds", r.ID)
		}
	}

	f, _ = ParseFilter("", "", "2024-01-01")
	if got := ApplyFilter(in, f); !reflect.DeepEqual(ids(got), []string{"1"}) {
		t.Fatalf("to-only bound: %v", ids(got))
	}
}

func TestApplyFilterIdempotent(t *testing.T) {
	in := sampleRecords()
	f, _ := ParseFilter("a", "2024-01-01", "")
	once := ApplyFilter(in, f)
	twice := ApplyFilter(once, f)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: %v vs %v", ids(once), ids(twice))
	}
}

func TestParseFilter(t *testing.T) {
	if _, err := ParseFilter("", "01/02/2024", ""); err != ErrInvalidDate {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
	f, err := ParseFilter(" bob ", "", "")
	if err != nil || f.Person != "bob" || !f.From.IsZero() || !f.To.IsZero() {
		t.Fatalf("unexpected filter %+v err=%v", f, err)
	}
	if !(Filter{}).IsZero() || f.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
	f, _ = ParseFilter("", "2024-01-05", "2024-01-09")
	if f.FromInput() != "2024-01-05" || f.ToInput() != "2024-01-09" {
		t.Fatalf("round trip inputs: %q %q", f.FromInput(), f.ToInput())
	}
}
