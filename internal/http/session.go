package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/cache"
	"roomexpenses/internal/core"
	"roomexpenses/internal/gate"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
)

const sessionCookie = "roomexpenses_session"

// appSession is the client context of one browser: its own collaborator
// client, its gate and, once signed in, its ledger view.
type appSession struct {
	id     string
	client backend.Client
	gate   *gate.Gate
	table  string
	logger *slog.Logger

	mu   sync.Mutex
	view *ledger.View
}

// onUserChange drops the view of the previous identity. The next ledger
// render mounts a fresh one.
func (s *appSession) onUserChange(u *core.User) {
	if u != nil {
		s.logger.Info("Signed in", log.FieldUserEmail, u.Email)
	} else {
		s.logger.Info("Signed out")
	}
	s.dropView()
}

// ledgerView returns the mounted view, mounting one on first use. A failed
// initial fetch still returns the view so the page can offer a refresh.
func (s *appSession) ledgerView(ctx context.Context) (*ledger.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != nil && s.view.Active() {
		return s.view, nil
	}
	v := ledger.New(s.client.Data, s.table, s.logger)
	s.view = v
	return v, v.Mount(ctx)
}

// currentView returns the mounted view without mounting one.
func (s *appSession) currentView() *ledger.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != nil && s.view.Active() {
		return s.view
	}
	return nil
}

func (s *appSession) dropView() {
	s.mu.Lock()
	v := s.view
	s.view = nil
	s.mu.Unlock()
	if v != nil {
		v.Unmount()
	}
}

func (s *appSession) close() {
	s.dropView()
	s.gate.Close()
}

// sessionStore maps the session cookie to client contexts. Idle sessions
// expire with the cache TTL and the least recently used one is evicted when
// the store is full.
type sessionStore struct {
	cache    *cache.LRUCache[*appSession]
	provider backend.Provider
	table    string
	ttl      time.Duration
	logger   *log.Logger
}

func newSessionStore(provider backend.Provider, table string, maxSessions int, ttl time.Duration, logger *log.Logger) *sessionStore {
	c := cache.NewLRUCache[*appSession](maxSessions, ttl)
	c.OnEvict(func(_ string, s *appSession) {
		s.close()
	})
	return &sessionStore{
		cache:    c,
		provider: provider,
		table:    table,
		ttl:      ttl,
		logger:   logger,
	}
}

// lookup finds the session named by the request cookie.
func (st *sessionStore) lookup(r *http.Request) (*appSession, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return nil, false
	}
	return st.cache.Get(c.Value)
}

// ensure returns the request's session, creating one and setting its cookie
// when the browser has none or it expired.
func (st *sessionStore) ensure(w http.ResponseWriter, r *http.Request) *appSession {
	if s, ok := st.lookup(r); ok {
		return s
	}

	id := uuid.NewString()
	logger := st.logger.With(log.FieldSessionID, id[:8]).Slog()
	client := st.provider.NewClient()
	s := &appSession{
		id:     id,
		client: client,
		table:  st.table,
		logger: logger,
	}
	s.gate = gate.New(client.Auth, logger, s.onUserChange)
	if err := s.gate.Start(r.Context()); err != nil {
		logger.WarnContext(r.Context(), "Session started without a restored identity", log.FieldError, err)
	}
	st.cache.Set(id, s)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(st.ttl.Seconds()),
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

func (st *sessionStore) size() int {
	return st.cache.Size()
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
