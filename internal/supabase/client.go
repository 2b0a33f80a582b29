// Package supabase talks to a hosted Supabase project over its public HTTP
// and websocket APIs: GoTrue for auth, PostgREST for rows and Realtime for
// the change feed.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomexpenses/internal/backend"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	URL     string // project URL, e.g. https://abc.supabase.co
	AnonKey string
	// HTTPClient and Dialer default to a client with a 15s timeout and
	// websocket.DefaultDialer.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Provider holds the project coordinates shared by every browser session.
type Provider struct {
	base    *url.URL
	anonKey string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewProvider(cfg Config) (*Provider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", cfg.URL)
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	p := &Provider{
		base:    base,
		anonKey: cfg.AnonKey,
		http:    cfg.HTTPClient,
		dialer:  cfg.Dialer,
		logger:  cfg.Logger,
	}
	if p.http == nil {
		p.http = &http.Client{Timeout: defaultTimeout}
	}
	if p.dialer == nil {
		p.dialer = websocket.DefaultDialer
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// NewClient creates the collaborator for one browser. Tokens live only in
// the returned client.
func (p *Provider) NewClient() backend.Client {
	auth := newAuth(p)
	return backend.Client{Auth: auth, Data: &Data{p: p, auth: auth}}
}

func (p *Provider) Close() error { return nil }

func (p *Provider) endpoint(path string, query url.Values) string {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	token   string // bearer, defaults to the anon key
	headers map[string]string
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
// Non-2xx responses become *backend.APIError.
func (p *Provider) do(ctx context.Context, req request, out any) error {
	var body io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, p.endpoint(req.path, req.query), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	token := req.token
	if token == "" {
		token = p.anonKey
	}
	httpReq.Header.Set("apikey", p.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", req.method, req.path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

// errorBody covers both GoTrue and PostgREST error payloads.
type errorBody struct {
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	ErrorDescription string          `json:"error_description"`
	Error            string          `json:"error"`
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
	Details          string          `json:"details"`
	Hint             string          `json:"hint"`
}

func decodeError(status int, raw []byte) error {
	var b errorBody
	_ = json.Unmarshal(raw, &b)

	e := &backend.APIError{Status: status}
	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription, b.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case b.ErrorCode != "":
		e.Code = b.ErrorCode
	case len(b.Code) > 0 && b.Code[0] == '"':
		_ = json.Unmarshal(b.Code, &e.Code)
	case b.Error != "" && b.Error != e.Message:
		e.Code = b.Error
	}
	return e
}
