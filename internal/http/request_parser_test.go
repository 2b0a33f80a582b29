package http

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestRequestBodyParser_JSON(t *testing.T) {
	body := `{"id": "123", "name": "test", "amount": 42.5}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	parser := NewRequestBodyParser(req)
	err := parser.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !parser.IsJSON() {
		t.Error("Expected IsJSON() to be true")
	}

	if id := parser.Get("id"); id != "123" {
		t.Errorf("Get('id') = %q, want '123'", id)
	}

	if name := parser.Get("name"); name != "test" {
		t.Errorf("Get('name') = %q, want 'test'", name)
	}

	if amount := parser.Get("amount"); amount != "42.5" {
		t.Errorf("Get('amount') = %q, want '42.5'", amount)
	}
}

func TestRequestBodyParser_FormData(t *testing.T) {
	body := "id=456&name=form+test&value=100"
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	parser := NewRequestBodyParser(req)
	err := parser.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if parser.IsJSON() {
		t.Error("Expected IsJSON() to be false for form data")
	}

	if id := parser.Get("id"); id != "456" {
		t.Errorf("Get('id') = %q, want '456'", id)
	}

	if name := parser.Get("name"); name != "form test" {
		t.Errorf("Get('name') = %q, want 'form test'", name)
	}
}

func TestRequestBodyParser_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(""))

	parser := NewRequestBodyParser(req)
	err := parser.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if val := parser.Get("nonexistent"); val != "" {
		t.Errorf("Get('nonexistent') = %q, want empty string", val)
	}
}

func TestRequestBodyParser_SanitizesButKeepsSecrets(t *testing.T) {
	body := "description=%20Rent%01%20&password=%20pass%20"
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	parser := NewRequestBodyParser(req)
	if err := parser.Parse(); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := parser.Get("description"); got != "Rent" {
		t.Errorf("Get('description') = %q, want 'Rent'", got)
	}
	if got := parser.GetSecret("password"); got != " pass " {
		t.Errorf("GetSecret('password') = %q, want ' pass '", got)
	}
}

func TestParseBodyOrFail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"broken":`))
	if _, resp := ParseBodyOrFail(req); resp == nil {
		t.Fatal("Expected error response for malformed JSON")
	}

	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("field=value"))
	p, resp := ParseBodyOrFail(req)
	if resp != nil {
		t.Fatal("Expected nil for valid form, got error response")
	}
	if p.Get("field") != "value" {
		t.Error("Form was not parsed correctly")
	}
}

func TestParseEntryForm(t *testing.T) {
	body := url.Values{
		"description": {"  Groceries "},
		"amount":      {"50,25"},
		"person":      {"Alice"},
	}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/expenses", strings.NewReader(body))
	p, resp := ParseBodyOrFail(req)
	if resp != nil {
		t.Fatal("unexpected parse failure")
	}

	form := ParseEntryForm(p)
	if form.Description != "Groceries" || form.Amount != "50,25" || form.Person != "Alice" {
		t.Errorf("ParseEntryForm() = %+v", form)
	}
}

func TestParseFilterForm(t *testing.T) {
	tests := []struct {
		name    string
		body    url.Values
		wantErr bool
		zero    bool
	}{
		{"empty clears the filter", url.Values{}, false, true},
		{"person only", url.Values{"person": {"ali"}}, false, false},
		{"date range", url.Values{"from": {"2024-01-01"}, "to": {"2024-01-31"}}, false, false},
		{"invalid date", url.Values{"from": {"01/02/2024"}}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ui/filter", strings.NewReader(tt.body.Encode()))
			p, _ := ParseBodyOrFail(req)

			f, in, err := ParseFilterForm(p)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error for invalid date")
				}
				if in.From != tt.body.Get("from") {
					t.Errorf("raw input lost: %+v", in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFilterForm() error = %v", err)
			}
			if f.IsZero() != tt.zero {
				t.Errorf("IsZero() = %v, want %v", f.IsZero(), tt.zero)
			}
		})
	}
}

func TestConfirmed(t *testing.T) {
	for body, want := range map[string]bool{
		"confirm=yes": true,
		"confirm=no":  false,
		"":            false,
	} {
		req := httptest.NewRequest(http.MethodPost, "/expenses/1/delete", strings.NewReader(body))
		p, _ := ParseBodyOrFail(req)
		if got := Confirmed(p); got != want {
			t.Errorf("Confirmed(%q) = %v, want %v", body, got, want)
		}
	}
}
