package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

// refreshMargin refreshes tokens slightly before they expire.
const refreshMargin = 30 * time.Second

var errNoVerifier = &backend.APIError{Status: 400, Code: "flow_state_not_found", Message: "No sign-in attempt in progress for this browser"}

// Auth is the GoTrue client for a single browser.
type Auth struct {
	p   *Provider
	now func() time.Time

	mu        sync.Mutex
	session   *core.Session
	verifier  string
	next      int
	listeners map[int]func(backend.AuthEvent, *core.Session)
}

func newAuth(p *Provider) *Auth {
	return &Auth{p: p, now: time.Now, listeners: map[int]func(backend.AuthEvent, *core.Session){}}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`

	// Sign-up with email confirmation returns the bare user.
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (a *Auth) GetSession(ctx context.Context) (*core.Session, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if s.Valid(a.now().Add(refreshMargin)) {
		return s, nil
	}
	if s.RefreshToken == "" {
		a.set(nil, backend.AuthSignedOut)
		return nil, nil
	}

	var tr tokenResponse
	err := a.p.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": s.RefreshToken},
	}, &tr)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			// Refresh token revoked or reused
			a.set(nil, backend.AuthSignedOut)
			return nil, nil
		}
		return nil, err
	}
	fresh, err := a.sessionFrom(tr)
	if err != nil {
		return nil, err
	}
	a.set(fresh, backend.AuthTokenRefreshed)
	return fresh, nil
}

func (a *Auth) SignUp(ctx context.Context, email, password string) (*core.Session, error) {
	var tr tokenResponse
	err := a.p.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   map[string]string{"email": email, "password": password},
	}, &tr)
	if err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		// Confirmation email sent; no session yet
		return nil, nil
	}
	return a.start(tr)
}

func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*core.Session, error) {
	var tr tokenResponse
	err := a.p.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &tr)
	if err != nil {
		return nil, err
	}
	return a.start(tr)
}

// SignInWithOAuth starts a PKCE flow and returns the provider URL. The code
// verifier stays in this client until ExchangeCode consumes it.
func (a *Auth) SignInWithOAuth(_ context.Context, provider, redirectTo string) (string, error) {
	if provider == "" {
		return "", &backend.APIError{Status: 400, Code: "validation_failed", Message: "Unsupported provider: missing provider"}
	}
	verifier, err := newVerifier()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(verifier))

	a.mu.Lock()
	a.verifier = verifier
	a.mu.Unlock()

	q := url.Values{
		"provider":              {provider},
		"code_challenge":        {base64.RawURLEncoding.EncodeToString(sum[:])},
		"code_challenge_method": {"s256"},
	}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return a.p.endpoint("/auth/v1/authorize", q), nil
}

func (a *Auth) ExchangeCode(ctx context.Context, code string) (*core.Session, error) {
	a.mu.Lock()
	verifier := a.verifier
	a.verifier = ""
	a.mu.Unlock()
	if verifier == "" {
		return nil, errNoVerifier
	}

	var tr tokenResponse
	err := a.p.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"pkce"}},
		body:   map[string]string{"auth_code": code, "code_verifier": verifier},
	}, &tr)
	if err != nil {
		return nil, err
	}
	return a.start(tr)
}

// SignOut revokes the session server side. The local session is cleared
// even when the call fails.
func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	err := a.p.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  s.AccessToken,
	}, nil)
	a.set(nil, backend.AuthSignedOut)
	return err
}

func (a *Auth) OnAuthStateChange(cb func(backend.AuthEvent, *core.Session)) backend.Subscription {
	a.mu.Lock()
	id := a.next
	a.next++
	a.listeners[id] = cb
	a.mu.Unlock()

	var once sync.Once
	return backend.SubscriptionFunc(func() error {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
		return nil
	})
}

// accessToken returns a bearer for data calls: the user's token when signed
// in, otherwise the anon key.
func (a *Auth) accessToken(ctx context.Context) (string, error) {
	s, err := a.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if s == nil {
		return a.p.anonKey, nil
	}
	return s.AccessToken, nil
}

func (a *Auth) start(tr tokenResponse) (*core.Session, error) {
	s, err := a.sessionFrom(tr)
	if err != nil {
		return nil, err
	}
	a.set(s, backend.AuthSignedIn)
	return s, nil
}

func (a *Auth) sessionFrom(tr tokenResponse) (*core.Session, error) {
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response without access token")
	}
	s := &core.Session{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		s.ExpiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	if tr.User != nil {
		s.User = core.User{ID: tr.User.ID, Email: tr.User.Email}
	}

	if s.User.ID == "" || s.ExpiresAt.IsZero() {
		claims, err := readClaims(tr.AccessToken)
		if err != nil {
			return nil, err
		}
		if s.User.ID == "" {
			s.User.ID = claims.Subject
		}
		if s.User.Email == "" {
			s.User.Email = claims.Email
		}
		if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time.UTC()
		}
	}
	return s, nil
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// readClaims decodes the access token payload. The signature is checked by
// the server on every call, so it is not verified here.
func readClaims(token string) (accessClaims, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return accessClaims{}, fmt.Errorf("read access token claims: %w", err)
	}
	return claims, nil
}

// set replaces the session and notifies listeners outside the lock.
func (a *Auth) set(s *core.Session, ev backend.AuthEvent) {
	a.mu.Lock()
	had := a.session != nil
	a.session = s
	cbs := make([]func(backend.AuthEvent, *core.Session), 0, len(a.listeners))
	for _, cb := range a.listeners {
		cbs = append(cbs, cb)
	}
	a.mu.Unlock()

	if ev == backend.AuthSignedOut && !had {
		return
	}
	for _, cb := range cbs {
		cb(ev, s)
	}
}

func newVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
