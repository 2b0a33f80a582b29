package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

// Data is the PostgREST and Realtime client for a single browser.
type Data struct {
	p    *Provider
	auth *Auth
}

type row struct {
	ID          json.RawMessage `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Person      string          `json:"person"`
	CreatedAt   string          `json:"created_at"`
}

type rowInput struct {
	Description string      `json:"description"`
	Amount      json.Number `json:"amount"`
	Person      string      `json:"person"`
}

func toInput(d core.Draft) rowInput {
	return rowInput{Description: d.Description, Amount: json.Number(d.Amount.String()), Person: d.Person}
}

// rawID renders a JSON id, number or string, as an opaque string.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

// parseTimestamp accepts timestamptz output and, for timestamp columns
// without zone, assumes UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (r row) record() (core.Record, error) {
	created, err := parseTimestamp(r.CreatedAt)
	if err != nil {
		return core.Record{}, err
	}
	return core.Record{
		ID:          rawID(r.ID),
		Description: r.Description,
		Amount:      r.Amount,
		Person:      r.Person,
		CreatedAt:   created,
	}, nil
}

// filterQuery renders match as PostgREST eq filters.
func filterQuery(q url.Values, match backend.Match) url.Values {
	if q == nil {
		q = url.Values{}
	}
	for col, v := range match {
		q.Set(col, "eq."+v)
	}
	return q
}

func (d *Data) Select(ctx context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error) {
	token, err := d.auth.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{"select": {"*"}}
	if order.Column != "" {
		dir := "desc"
		if order.Ascending {
			dir = "asc"
		}
		q.Set("order", order.Column+"."+dir)
	}

	var rows []row
	err = d.p.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  filterQuery(q, match),
		token:  token,
	}, &rows)
	if err != nil {
		return nil, err
	}

	out := make([]core.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("decode %s row %s: %w", table, rawID(r.ID), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *Data) Insert(ctx context.Context, table string, drafts []core.Draft) error {
	token, err := d.auth.accessToken(ctx)
	if err != nil {
		return err
	}
	body := make([]rowInput, len(drafts))
	for i, dr := range drafts {
		body[i] = toInput(dr)
	}
	return d.p.do(ctx, request{
		method:  http.MethodPost,
		path:    "/rest/v1/" + url.PathEscape(table),
		body:    body,
		token:   token,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
}

func (d *Data) Update(ctx context.Context, table string, patch core.Draft, match backend.Match) error {
	if err := backend.RequireMatch("UPDATE", match); err != nil {
		return err
	}
	token, err := d.auth.accessToken(ctx)
	if err != nil {
		return err
	}
	return d.p.do(ctx, request{
		method:  http.MethodPatch,
		path:    "/rest/v1/" + url.PathEscape(table),
		query:   filterQuery(nil, match),
		body:    toInput(patch),
		token:   token,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
}

func (d *Data) Delete(ctx context.Context, table string, match backend.Match) error {
	if err := backend.RequireMatch("DELETE", match); err != nil {
		return err
	}
	token, err := d.auth.accessToken(ctx)
	if err != nil {
		return err
	}
	return d.p.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/rest/v1/" + url.PathEscape(table),
		query:   filterQuery(nil, match),
		token:   token,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
}
