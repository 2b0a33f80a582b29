package local

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

const (
	minPasswordLen  = 6
	refreshTokenTTL = 30 * 24 * time.Hour

	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	errInvalidCredentials = &backend.APIError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	errProviderDisabled   = &backend.APIError{Status: 400, Code: "validation_failed", Message: "Unsupported provider: provider is not enabled"}
)

type tokenClaims struct {
	Email string `json:"email"`
	Kind  string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) sign(u core.User, kind string, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(ttl)
	claims := tokenClaims{
		Email: u.Email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, exp, nil
}

// Issue creates a session for u.
func (t *Tokens) Issue(u core.User) (*core.Session, error) {
	access, exp, err := t.sign(u, kindAccess, t.ttl)
	if err != nil {
		return nil, err
	}
	refresh, _, err := t.sign(u, kindRefresh, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &core.Session{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp.UTC(), User: u}, nil
}

// Verify checks signature, expiry and kind, returning the token's user.
func (t *Tokens) Verify(token, kind string) (core.User, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return core.User{}, fmt.Errorf("verify token: %w", err)
	}
	if claims.Kind != kind {
		return core.User{}, fmt.Errorf("verify token: got %q token, want %q", claims.Kind, kind)
	}
	return core.User{ID: claims.Subject, Email: claims.Email}, nil
}

// authClient is the per-browser auth state of the local collaborator.
type authClient struct {
	users  UserStore
	tokens *Tokens

	mu        sync.Mutex
	session   *core.Session
	next      int
	listeners map[int]func(backend.AuthEvent, *core.Session)
}

func newAuthClient(users UserStore, tokens *Tokens) *authClient {
	return &authClient{users: users, tokens: tokens, listeners: map[int]func(backend.AuthEvent, *core.Session){}}
}

func (a *authClient) GetSession(ctx context.Context) (*core.Session, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if s.Valid(a.tokens.now()) {
		return s, nil
	}

	u, err := a.tokens.Verify(s.RefreshToken, kindRefresh)
	if err != nil {
		a.set(nil, backend.AuthSignedOut)
		return nil, nil
	}
	if _, err := a.users.FindUserByID(ctx, u.ID); err != nil {
		a.set(nil, backend.AuthSignedOut)
		return nil, nil
	}
	fresh, err := a.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	a.set(fresh, backend.AuthTokenRefreshed)
	return fresh, nil
}

func (a *authClient) SignUp(ctx context.Context, email, password string) (*core.Session, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &backend.APIError{Status: 400, Code: "validation_failed", Message: "Unable to validate email address: invalid format"}
	}
	if len(password) < minPasswordLen {
		return nil, &backend.APIError{Status: 422, Code: "weak_password", Message: fmt.Sprintf("Password should be at least %d characters.", minPasswordLen)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	rec, err := a.users.CreateUser(ctx, email, hash)
	if errors.Is(err, ErrUserExists) {
		return nil, &backend.APIError{Status: 422, Code: "user_already_exists", Message: "User already registered"}
	}
	if err != nil {
		return nil, err
	}
	return a.start(core.User{ID: rec.ID, Email: rec.Email})
}

func (a *authClient) SignInWithPassword(ctx context.Context, email, password string) (*core.Session, error) {
	rec, err := a.users.FindUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(password)) != nil {
		return nil, errInvalidCredentials
	}
	return a.start(core.User{ID: rec.ID, Email: rec.Email})
}

func (a *authClient) SignInWithOAuth(context.Context, string, string) (string, error) {
	return "", errProviderDisabled
}

func (a *authClient) ExchangeCode(context.Context, string) (*core.Session, error) {
	return nil, errProviderDisabled
}

func (a *authClient) SignOut(context.Context) error {
	a.set(nil, backend.AuthSignedOut)
	return nil
}

func (a *authClient) OnAuthStateChange(cb func(backend.AuthEvent, *core.Session)) backend.Subscription {
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

func (a *authClient) start(u core.User) (*core.Session, error) {
	s, err := a.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	a.set(s, backend.AuthSignedIn)
	return s, nil
}

// set replaces the session and notifies listeners outside the lock.
func (a *authClient) set(s *core.Session, ev backend.AuthEvent) {
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

// current returns the signed-in user, refreshing an expired session.
func (a *authClient) current(ctx context.Context) (core.User, error) {
	s, err := a.GetSession(ctx)
	if err != nil {
		return core.User{}, err
	}
	if s == nil {
		return core.User{}, &backend.APIError{Status: 401, Code: "PGRST301", Message: "JWT is missing or expired"}
	}
	return s.User, nil
}
