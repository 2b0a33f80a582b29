// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.
// It reduces code duplication by providing reusable functions for the entry,
// filter and credential forms, accepting both form-encoded and JSON bodies.

package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"roomexpenses/internal/core"
	"roomexpenses/internal/ledger"
)

// maxBodyBytes bounds every form submission.
const maxBodyBytes = 64 << 10

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data, commonly used with HTMX.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}

	if r.Body != nil {
		p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	// Try JSON first if content looks like JSON
	if p.body[0] == '{' || p.body[0] == '[' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = err
			return err
		}
		return nil
	}

	// Fall back to form parsing
	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	return strings.TrimSpace(sanitizeInput(p.raw(key)))
}

// GetSecret returns a value exactly as submitted, for passwords.
func (p *RequestBodyParser) GetSecret(key string) string {
	return p.raw(key)
}

func (p *RequestBodyParser) raw(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return stringValue(val)
		}
	}
	if p.formData != nil {
		return p.formData.Get(key)
	}
	return ""
}

// GetRaw returns the raw body bytes.
func (p *RequestBodyParser) GetRaw() []byte {
	return p.body
}

// ContentType returns the Content-Type header value.
func (p *RequestBodyParser) ContentType() string {
	return p.contentType
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts an interface{} to string.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// ParseBodyOrFail reads and parses the request body and returns an error
// response on failure.
func ParseBodyOrFail(r *http.Request) (*RequestBodyParser, *HTMXResponseBuilder) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return nil, BadRequestError("Invalid request format")
	}
	return p, nil
}

// ParseEntryForm extracts the add and edit form fields. Validation is left
// to the ledger so the raw text can be echoed back on failure.
func ParseEntryForm(p *RequestBodyParser) ledger.EntryForm {
	return ledger.EntryForm{
		Description: p.Get("description"),
		Amount:      p.Get("amount"),
		Person:      p.Get("person"),
	}
}

// FilterInput is the raw text of the filter bar.
type FilterInput struct {
	Person string
	From   string
	To     string
}

// ParseFilterForm extracts and parses the filter bar. The raw input is
// returned even when the dates are invalid.
func ParseFilterForm(p *RequestBodyParser) (core.Filter, FilterInput, error) {
	in := FilterInput{
		Person: p.Get("person"),
		From:   p.Get("from"),
		To:     p.Get("to"),
	}
	f, err := core.ParseFilter(in.Person, in.From, in.To)
	return f, in, err
}

// Credentials is the entry screen submission.
type Credentials struct {
	Email    string
	Password string
}

func ParseCredentials(p *RequestBodyParser) Credentials {
	return Credentials{
		Email:    p.Get("email"),
		Password: p.GetSecret("password"),
	}
}

// Confirmed reports whether the page confirmed a destructive action.
func Confirmed(p *RequestBodyParser) bool {
	return p.Get("confirm") == "yes"
}
