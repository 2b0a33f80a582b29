package core

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// DateLayout is the format of the date inputs in the filter bar.
const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date (expected YYYY-MM-DD)")

// Filter is the predicate applied to the authoritative record set.
// The zero Filter matches everything.
type Filter struct {
	Person string    // case-insensitive substring of Record.Person
	From   time.Time // inclusive lower bound on CreatedAt, zero = unbounded
	To     time.Time // inclusive upper bound on CreatedAt, zero = unbounded
}

// ParseFilter builds a Filter from the filter bar inputs. Dates cover whole
// calendar days in UTC: From starts at 00:00:00, To ends at the last
// nanosecond of its day.
func ParseFilter(person, from, to string) (Filter, error) {
	f := Filter{Person: strings.TrimSpace(person)}
	if v := strings.TrimSpace(from); v != "" {
		t, err := time.ParseInLocation(DateLayout, v, time.UTC)
		if err != nil {
			return Filter{}, ErrInvalidDate
		}
		f.From = t
	}
	if v := strings.TrimSpace(to); v != "" {
		t, err := time.ParseInLocation(DateLayout, v, time.UTC)
		if err != nil {
			return Filter{}, ErrInvalidDate
		}
		f.To = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return f, nil
}

// IsZero reports whether the filter imposes no constraint.
func (f Filter) IsZero() bool {
	return f.Person == "" && f.From.IsZero() && f.To.IsZero()
}

// FromInput and ToInput render the bounds back into the date inputs.
func (f Filter) FromInput() string {
	if f.From.IsZero() {
		return ""
	}
	return f.From.UTC().Format(DateLayout)
}

func (f Filter) ToInput() string {
	if f.To.IsZero() {
		return ""
	}
	return f.To.UTC().Format(DateLayout)
}

// Match reports whether r satisfies every bound of f.
func (f Filter) Match(r Record) bool {
	if f.Person != "" {
		fold := cases.Fold()
		if !strings.Contains(fold.String(r.Person), fold.String(f.Person)) {
			return false
		}
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ApplyFilter returns the records matching f in their input order.
// The result is a new slice; records is never modified.
func ApplyFilter(records []Record, f Filter) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
