package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/gate"
	"roomexpenses/internal/ledger"
)

const displayTimeLayout = "2006-01-02 15:04"

type (
	pageData struct {
		Title  string
		Entry  *entryData
		Ledger *ledgerData
	}

	entryData struct {
		SignUp         bool
		Email          string
		Error          string
		Message        string
		OAuthProviders []string
	}

	ledgerData struct {
		Email         string
		Form          formData
		Table         tableData
		SheetsEnabled bool
	}

	formData struct {
		Description string
		Amount      string
		Person      string
		Error       string
	}

	tableData struct {
		Rows     []rowData
		Total    string
		Shown    int
		Count    int
		Filter   FilterInput
		Filtered bool
		Loaded   bool
		Live     bool
		Error    string
	}

	rowData struct {
		ID           string
		Description  string
		Amount       string
		Person       string
		CreatedAt    string
		CreatedAtISO string
	}

	editData struct {
		rowData
		Form formData
	}
)

func formFrom(f ledger.EntryForm, err error) formData {
	d := formData{Description: f.Description, Amount: f.Amount, Person: f.Person}
	if err != nil {
		d.Error = userMessage(err)
	}
	return d
}

func (s *Server) rowView(r core.Record) rowData {
	return rowData{
		ID:           r.ID,
		Description:  r.Description,
		Amount:       core.FormatAmount(s.currency, r.Amount),
		Person:       r.Person,
		CreatedAt:    r.CreatedAt.Local().Format(displayTimeLayout),
		CreatedAtISO: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) tableView(snap ledger.Snapshot) tableData {
	t := tableData{
		Shown:    len(snap.Visible),
		Count:    len(snap.All),
		Filter:   FilterInput{Person: snap.Filter.Person, From: snap.Filter.FromInput(), To: snap.Filter.ToInput()},
		Filtered: !snap.Filter.IsZero(),
		Loaded:   snap.Loaded,
		Live:     snap.Live,
	}
	total := decimal.Zero
	for _, r := range snap.Visible {
		t.Rows = append(t.Rows, s.rowView(r))
		total = total.Add(r.Amount)
	}
	t.Total = core.FormatAmount(s.currency, total)
	return t
}

// userMessage turns an error into text for the page. Collaborator payloads
// are shown as sent; validation errors are already user text.
func userMessage(err error) string {
	var authErr *gate.AuthError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	switch {
	case isValidation(err):
		return capitalize(err.Error())
	case errors.Is(err, ledger.ErrNoPublisher):
		return "Google Sheets export is not configured"
	case errors.Is(err, ledger.ErrNotConfirmed):
		return "Deletion cancelled"
	}
	return "Something went wrong, please try again"
}

func isValidation(err error) bool {
	for _, target := range []error{
		core.ErrEmptyDescription, core.ErrEmptyAmount, core.ErrInvalidAmount,
		core.ErrEmptyPerson, core.ErrDescriptionLong, core.ErrInvalidDate,
		gate.ErrEmptyEmail, gate.ErrEmptyPassword, gate.ErrEmptyProvider,
		ledger.ErrMissingID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// sanitizeInput removes potentially dangerous characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	result := strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
	return result
}
