package memory

import (
	"bufio"
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/local"
)

// Store keeps records and accounts in process memory.
type Store struct {
	mu     sync.Mutex
	tables map[string][]core.Record
	users  []local.UserRecord
	now    func() time.Time
	last   time.Time
}

// New creates a store holding the given tables, all empty.
func New(tables ...string) *Store {
	s := &Store{tables: map[string][]core.Record{}, now: time.Now}
	for _, t := range tables {
		s.tables[t] = nil
	}
	return s
}

// NewFromFile creates a store and seeds table from a text file with one
// "description;amount;person" line per record. A missing file leaves the
// table empty; malformed lines are skipped.
func NewFromFile(table, path string) *Store {
	s := New(table)
	if path == "" {
		return s
	}
	var drafts []core.Draft
	for _, line := range readLines(path) {
		parts := strings.Split(line, ";")
		if len(parts) != 3 {
			continue
		}
		d, err := core.ParseDraft(parts[0], parts[1], parts[2])
		if err != nil {
			continue
		}
		drafts = append(drafts, d)
	}
	if len(drafts) > 0 {
		_, _ = s.InsertRecords(context.Background(), table, drafts)
	}
	return s
}

func (s *Store) ListRecords(_ context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error) {
	if err := local.CheckQuery(match, order); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, local.UnknownTable(table)
	}
	out := make([]core.Record, 0, len(rows))
	for _, r := range rows {
		if matches(r, match) {
			out = append(out, r)
		}
	}
	sortRecords(out, order)
	return out, nil
}

func (s *Store) InsertRecords(_ context.Context, table string, rows []core.Draft) ([]string, error) {
	for _, d := range rows {
		if err := d.Validate(); err != nil {
			return nil, &backend.APIError{Status: 400, Code: "23502", Message: err.Error()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		return nil, local.UnknownTable(table)
	}
	ids := make([]string, 0, len(rows))
	for _, d := range rows {
		r := core.Record{
			ID:          uuid.NewString(),
			Description: d.Description,
			Amount:      d.Amount,
			Person:      d.Person,
			CreatedAt:   s.stamp(),
		}
		s.tables[table] = append(s.tables[table], r)
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) UpdateRecords(_ context.Context, table string, patch core.Draft, match backend.Match) ([]string, error) {
	if err := local.CheckMutation("UPDATE", match); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, &backend.APIError{Status: 400, Code: "23502", Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, local.UnknownTable(table)
	}
	var ids []string
	for i := range rows {
		if matches(rows[i], match) {
			rows[i].Description = patch.Description
			rows[i].Amount = patch.Amount
			rows[i].Person = patch.Person
			ids = append(ids, rows[i].ID)
		}
	}
	return ids, nil
}

func (s *Store) DeleteRecords(_ context.Context, table string, match backend.Match) ([]string, error) {
	if err := local.CheckMutation("DELETE", match); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, local.UnknownTable(table)
	}
	var ids []string
	kept := rows[:0:0]
	for _, r := range rows {
		if matches(r, match) {
			ids = append(ids, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	return ids, nil
}

func (s *Store) CreateUser(_ context.Context, email string, passwordHash []byte) (local.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return local.UserRecord{}, local.ErrUserExists
		}
	}
	u := local.UserRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: append([]byte(nil), passwordHash...),
		CreatedAt:    s.now().UTC(),
	}
	s.users = append(s.users, u)
	return u, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (local.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return local.UserRecord{}, local.ErrUserNotFound
}

func (s *Store) FindUserByID(_ context.Context, id string) (local.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return local.UserRecord{}, local.ErrUserNotFound
}

func (s *Store) Close() error { return nil }

// stamp returns a creation time strictly after the previous one so that
// created_at ordering is total.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func matches(r core.Record, m backend.Match) bool {
	for col, want := range m {
		switch col {
		case "id":
			if r.ID != want {
				return false
			}
		case "description":
			if r.Description != want {
				return false
			}
		case "person":
			if r.Person != want {
				return false
			}
		case "amount":
			d, err := decimal.NewFromString(want)
			if err != nil || !d.Equal(r.Amount) {
				return false
			}
		case "created_at":
			t, err := time.Parse(time.RFC3339Nano, want)
			if err != nil || !t.Equal(r.CreatedAt) {
				return false
			}
		}
	}
	return true
}

// sortRecords orders rows by one column. Ties keep insertion order.
func sortRecords(rows []core.Record, order backend.Order) {
	if order.Column == "" {
		return
	}
	less := func(a, b core.Record) int {
		switch order.Column {
		case "created_at":
			return a.CreatedAt.Compare(b.CreatedAt)
		case "amount":
			return a.Amount.Cmp(b.Amount)
		case "person":
			return strings.Compare(a.Person, b.Person)
		case "description":
			return strings.Compare(a.Description, b.Description)
		default:
			return strings.Compare(a.ID, b.ID)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := less(rows[i], rows[j])
		if order.Ascending {
			return c < 0
		}
		return c > 0
	})
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
