package gate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

type fakeAuth struct {
	mu        sync.Mutex
	session   *core.Session
	err       error
	signOut   error
	calls     []string
	listeners []func(backend.AuthEvent, *core.Session)
	unsubbed  int
}

func (f *fakeAuth) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAuth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAuth) GetSession(context.Context) (*core.Session, error) {
	f.record("get_session")
	return f.session, f.err
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string) (*core.Session, error) {
	f.record("sign_up:" + email)
	return f.session, f.err
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, _ string) (*core.Session, error) {
	f.record("sign_in:" + email)
	return f.session, f.err
}

func (f *fakeAuth) SignInWithOAuth(_ context.Context, provider, redirectTo string) (string, error) {
	f.record("oauth:" + provider)
	if f.err != nil {
		return "", f.err
	}
	return "https://idp.example.com/authorize?redirect_to=" + redirectTo, nil
}

func (f *fakeAuth) ExchangeCode(_ context.Context, code string) (*core.Session, error) {
	f.record("exchange:" + code)
	return f.session, f.err
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.record("sign_out")
	return f.signOut
}

func (f *fakeAuth) OnAuthStateChange(cb func(backend.AuthEvent, *core.Session)) backend.Subscription {
	f.mu.Lock()
	f.listeners = append(f.listeners, cb)
	f.mu.Unlock()
	return backend.SubscriptionFunc(func() error {
		f.mu.Lock()
		f.unsubbed++
		f.mu.Unlock()
		return nil
	})
}

func (f *fakeAuth) emit(ev backend.AuthEvent, s *core.Session) {
	f.mu.Lock()
	cbs := append([]func(backend.AuthEvent, *core.Session)(nil), f.listeners...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev, s)
	}
}

func alice() *core.Session {
	return &core.Session{AccessToken: "tok", User: core.User{ID: "u1", Email: "alice@example.com"}}
}

type changes struct {
	mu    sync.Mutex
	users []*core.User
}

func (c *changes) record(u *core.User) {
	c.mu.Lock()
	c.users = append(c.users, u)
	c.mu.Unlock()
}

func (c *changes) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func TestStart_RestoresSession(t *testing.T) {
	auth := &fakeAuth{session: alice()}
	var seen changes
	g := New(auth, nil, seen.record)

	require.NoError(t, g.Start(context.Background()))

	assert.Equal(t, ScreenLedger, g.Screen())
	assert.Equal(t, "alice@example.com", g.User().Email)
	assert.Equal(t, 1, seen.Len())
	assert.Equal(t, []string{"get_session"}, auth.Calls())
}

func TestStart_NoSessionShowsEntry(t *testing.T) {
	g := New(&fakeAuth{}, nil, nil)
	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, ScreenEntry, g.Screen())
	assert.Nil(t, g.User())
}

func TestStart_IsIdempotent(t *testing.T) {
	auth := &fakeAuth{}
	g := New(auth, nil, nil)
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Start(context.Background()))
	assert.Len(t, auth.listeners, 1)
}

func TestAuthEventsSwitchScreens(t *testing.T) {
	auth := &fakeAuth{}
	var seen changes
	g := New(auth, nil, seen.record)
	require.NoError(t, g.Start(context.Background()))

	auth.emit(backend.AuthSignedIn, alice())
	assert.Equal(t, ScreenLedger, g.Screen())

	auth.emit(backend.AuthTokenRefreshed, alice())
	assert.Equal(t, 1, seen.Len(), "refresh for the same user is not a change")

	auth.emit(backend.AuthSignedOut, nil)
	assert.Equal(t, ScreenEntry, g.Screen())
	assert.Equal(t, 2, seen.Len())
}

func TestSignIn(t *testing.T) {
	t.Run("empty fields are rejected locally", func(t *testing.T) {
		auth := &fakeAuth{session: alice()}
		g := New(auth, nil, nil)

		assert.ErrorIs(t, g.SignIn(context.Background(), "  ", "secret"), ErrEmptyEmail)
		assert.ErrorIs(t, g.SignIn(context.Background(), "a@example.com", ""), ErrEmptyPassword)
		assert.Empty(t, auth.Calls())
	})

	t.Run("success", func(t *testing.T) {
		auth := &fakeAuth{session: alice()}
		g := New(auth, nil, nil)

		require.NoError(t, g.SignIn(context.Background(), " alice@example.com ", "secret"))
		assert.Equal(t, ScreenLedger, g.Screen())
		assert.Equal(t, []string{"sign_in:alice@example.com"}, auth.Calls())
	})

	t.Run("collaborator message is surfaced", func(t *testing.T) {
		auth := &fakeAuth{err: &backend.APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}}
		g := New(auth, nil, nil)

		err := g.SignIn(context.Background(), "alice@example.com", "wrong")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "Invalid login credentials", authErr.Message)
		assert.Equal(t, ScreenEntry, g.Screen())
		assert.Len(t, auth.Calls(), 1, "no retry")
	})

	t.Run("transport errors keep their text", func(t *testing.T) {
		auth := &fakeAuth{err: errors.New("connection refused")}
		g := New(auth, nil, nil)

		err := g.SignIn(context.Background(), "alice@example.com", "pw")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "connection refused", authErr.Message)
	})
}

func TestSignUp(t *testing.T) {
	t.Run("immediate session", func(t *testing.T) {
		g := New(&fakeAuth{session: alice()}, nil, nil)
		ok, err := g.SignUp(context.Background(), "alice@example.com", "secret123")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ScreenLedger, g.Screen())
	})

	t.Run("pending confirmation", func(t *testing.T) {
		g := New(&fakeAuth{}, nil, nil)
		ok, err := g.SignUp(context.Background(), "alice@example.com", "secret123")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ScreenEntry, g.Screen())
	})

	t.Run("rejected", func(t *testing.T) {
		g := New(&fakeAuth{err: &backend.APIError{Status: 422, Message: "User already registered"}}, nil, nil)
		_, err := g.SignUp(context.Background(), "alice@example.com", "secret123")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "User already registered", authErr.Message)
	})
}

func TestOAuth(t *testing.T) {
	auth := &fakeAuth{session: alice()}
	g := New(auth, nil, nil)

	_, err := g.SignInWithOAuth(context.Background(), "", "http://localhost/auth/callback")
	assert.ErrorIs(t, err, ErrEmptyProvider)

	target, err := g.SignInWithOAuth(context.Background(), "github", "http://localhost/auth/callback")
	require.NoError(t, err)
	assert.Contains(t, target, "redirect_to=http://localhost/auth/callback")
	assert.Equal(t, ScreenEntry, g.Screen(), "signed in only after the callback")

	var authErr *AuthError
	require.ErrorAs(t, g.CompleteOAuth(context.Background(), ""), &authErr)

	require.NoError(t, g.CompleteOAuth(context.Background(), "code-1"))
	assert.Equal(t, ScreenLedger, g.Screen())
	assert.Equal(t, []string{"oauth:github", "exchange:code-1"}, auth.Calls())
}

func TestSignOut_ClearsEvenOnFailure(t *testing.T) {
	auth := &fakeAuth{session: alice(), signOut: errors.New("network down")}
	var seen changes
	g := New(auth, nil, seen.record)
	require.NoError(t, g.Start(context.Background()))
	require.Equal(t, ScreenLedger, g.Screen())

	err := g.SignOut(context.Background())
	assert.Error(t, err)
	assert.Equal(t, ScreenEntry, g.Screen())
	assert.Equal(t, 2, seen.Len())
}

func TestClose_IgnoresLaterEvents(t *testing.T) {
	auth := &fakeAuth{}
	var seen changes
	g := New(auth, nil, seen.record)
	require.NoError(t, g.Start(context.Background()))

	g.Close()
	g.Close()
	auth.emit(backend.AuthSignedIn, alice())

	assert.Equal(t, ScreenEntry, g.Screen())
	assert.Zero(t, seen.Len())
	assert.Equal(t, 1, auth.unsubbed)
}
