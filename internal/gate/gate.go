// Package gate owns the authentication state of one browser and decides
// whether it sees the entry form or the ledger.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

// Screen is what the browser should render.
type Screen int

const (
	ScreenEntry Screen = iota
	ScreenLedger
)

func (s Screen) String() string {
	if s == ScreenLedger {
		return "ledger"
	}
	return "entry"
}

var (
	ErrEmptyEmail    = errors.New("email is required")
	ErrEmptyPassword = errors.New("password is required")
	ErrEmptyProvider = errors.New("oauth provider is required")
)

// AuthError is a sign-in or sign-up failure reported by the collaborator.
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Op + ": " + e.Message }

func (e *AuthError) Unwrap() error { return e.Err }

func authError(op string, err error) error {
	msg := err.Error()
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return &AuthError{Op: op, Message: msg, Err: err}
}

// Gate tracks the signed-in user of a single client context.
type Gate struct {
	auth     backend.Auth
	logger   *slog.Logger
	onChange func(*core.User)

	mu     sync.RWMutex
	user   *core.User
	sub    backend.Subscription
	closed bool
}

// New creates a gate over auth. onChange, when set, runs after every change
// of the local identity, with nil meaning signed out.
func New(auth backend.Auth, logger *slog.Logger, onChange func(*core.User)) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{auth: auth, logger: logger.With("component", "gate"), onChange: onChange}
}

// Start queries the current session once and listens to auth changes until
// Close.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.sub != nil || g.closed {
		g.mu.Unlock()
		return nil
	}
	g.sub = g.auth.OnAuthStateChange(g.handleAuthEvent)
	g.mu.Unlock()

	s, err := g.auth.GetSession(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to read current session", "error", err)
		return fmt.Errorf("get session: %w", err)
	}
	g.setUser(sessionUser(s))
	return nil
}

func (g *Gate) handleAuthEvent(ev backend.AuthEvent, s *core.Session) {
	g.logger.Debug("Auth state changed", "event", ev)
	if ev == backend.AuthSignedOut {
		g.setUser(nil)
		return
	}
	g.setUser(sessionUser(s))
}

func sessionUser(s *core.Session) *core.User {
	if s == nil {
		return nil
	}
	u := s.User
	return &u
}

func (g *Gate) setUser(u *core.User) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	changed := !sameUser(g.user, u)
	g.user = u
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange(u)
	}
}

func sameUser(a, b *core.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func checkCredentials(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyEmail
	}
	if password == "" {
		return "", ErrEmptyPassword
	}
	return email, nil
}

// SignIn authenticates with email and password.
func (g *Gate) SignIn(ctx context.Context, email, password string) error {
	email, err := checkCredentials(email, password)
	if err != nil {
		return err
	}
	s, err := g.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		g.logger.InfoContext(ctx, "Sign in rejected", "error", err)
		return authError("sign in", err)
	}
	g.setUser(sessionUser(s))
	return nil
}

// SignUp registers a new account. It reports false when the account needs
// email confirmation before a session exists.
func (g *Gate) SignUp(ctx context.Context, email, password string) (bool, error) {
	email, err := checkCredentials(email, password)
	if err != nil {
		return false, err
	}
	s, err := g.auth.SignUp(ctx, email, password)
	if err != nil {
		g.logger.InfoContext(ctx, "Sign up rejected", "error", err)
		return false, authError("sign up", err)
	}
	if s == nil {
		return false, nil
	}
	g.setUser(sessionUser(s))
	return true, nil
}

// SignInWithOAuth returns the provider URL the browser must be sent to.
func (g *Gate) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", ErrEmptyProvider
	}
	target, err := g.auth.SignInWithOAuth(ctx, provider, redirectTo)
	if err != nil {
		g.logger.InfoContext(ctx, "OAuth sign in rejected", "provider", provider, "error", err)
		return "", authError("oauth", err)
	}
	return target, nil
}

// CompleteOAuth exchanges the code of an OAuth redirect for a session.
func (g *Gate) CompleteOAuth(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return &AuthError{Op: "oauth", Message: "missing authorization code"}
	}
	s, err := g.auth.ExchangeCode(ctx, code)
	if err != nil {
		g.logger.InfoContext(ctx, "OAuth code exchange rejected", "error", err)
		return authError("oauth", err)
	}
	g.setUser(sessionUser(s))
	return nil
}

// SignOut asks the collaborator to end the session, then clears the local
// identity whatever the outcome.
func (g *Gate) SignOut(ctx context.Context) error {
	err := g.auth.SignOut(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "Sign out request failed", "error", err)
	}
	g.setUser(nil)
	return err
}

// User returns the signed-in user or nil.
func (g *Gate) User() *core.User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.user == nil {
		return nil
	}
	u := *g.user
	return &u
}

func (g *Gate) Screen() Screen {
	if g.User() != nil {
		return ScreenLedger
	}
	return ScreenEntry
}

// Close stops listening to auth changes. Later events are ignored.
func (g *Gate) Close() {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	g.closed = true
	g.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
