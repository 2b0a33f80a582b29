// Package http serves the room expenses web UI.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/cache"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
	"roomexpenses/internal/middleware/ratelimit"
	"roomexpenses/internal/middleware/security"
	"roomexpenses/internal/middleware/trace"
	appweb "roomexpenses/web"
)

// Options configures the web UI.
type Options struct {
	Provider backend.Provider
	Table    string
	Logger   *log.Logger

	SessionTTL  time.Duration
	MaxSessions int

	OAuthRedirectURL string
	OAuthProviders   []string

	// Publisher enables the Google Sheets button when set.
	Publisher ledger.Publisher

	CurrencySymbol string
	RateLimit      ratelimit.Config
}

type Server struct {
	http.Server
	templates *template.Template
	logger    *log.Logger

	table            string
	currency         string
	oauthRedirectURL string
	oauthProviders   []string
	publisher        ledger.Publisher

	sessions *sessionStore

	// Middleware components
	cacheManager     *cache.Manager
	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware

	appMetrics   *appMetrics
	closing      chan struct{}
	shutdownOnce sync.Once
}

type appMetrics struct {
	uptime          time.Time
	expensesAdded   int64
	expensesUpdated int64
	expensesDeleted int64
	exports         int64
	publishes       int64
}

// NewServer configures routes, templates and middleware, returning a
// ready-to-run http.Server.
func NewServer(addr string, opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, errors.New("http: backend provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}
	if opts.Table == "" {
		opts.Table = "expenses"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 12 * time.Hour
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 500
	}
	if opts.RateLimit.RequestsPerMinute == 0 {
		opts.RateLimit = ratelimit.DefaultConfig()
	}
	logger := opts.Logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:           logger,
		table:            opts.Table,
		currency:         opts.CurrencySymbol,
		oauthRedirectURL: opts.OAuthRedirectURL,
		oauthProviders:   opts.OAuthProviders,
		publisher:        opts.Publisher,
		sessions:         newSessionStore(opts.Provider, opts.Table, opts.MaxSessions, opts.SessionTTL, opts.Logger.WithComponent(log.ComponentGate)),
		cacheManager:     cache.NewManager(opts.Logger.WithComponent(log.ComponentCache).Slog()),
		rateLimiter:      ratelimit.NewLimiter(opts.RateLimit),
		securityDetector: security.NewDetector(),
		appMetrics:       &appMetrics{uptime: time.Now()},
		closing:          make(chan struct{}),
	}
	// Event streams never finish on their own; end them when shutdown starts.
	s.RegisterOnShutdown(func() { close(s.closing) })
	s.traceMiddleware = trace.NewMiddleware(s.securityDetector.ExtractClientIP, opts.Logger.WithComponent(log.ComponentTrace))

	// Parse embedded templates at startup.
	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	s.templates = t

	mux := http.NewServeMux()

	// Static assets (served from embedded FS)
	sub, err := fs.Sub(appweb.StaticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("mount static assets: %w", err)
	}
	mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(http.StripPrefix("/static/", http.FileServer(http.FS(sub)))))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	page := func(h http.HandlerFunc) http.Handler { return security.NoStore(h) }

	mux.Handle("GET /{$}", page(s.handleIndex))
	mux.Handle("POST /auth/signin", page(s.handleSignIn))
	mux.Handle("POST /auth/signup", page(s.handleSignUp))
	mux.Handle("GET /auth/oauth/{provider}", page(s.handleOAuthStart))
	mux.Handle("GET /auth/callback", page(s.handleOAuthCallback))
	mux.Handle("POST /auth/signout", page(s.handleSignOut))

	mux.Handle("POST /expenses", page(s.withLedger(s.handleCreateExpense)))
	mux.Handle("GET /expenses/{id}", page(s.withLedger(s.handleExpenseRow)))
	mux.Handle("GET /expenses/{id}/edit", page(s.withLedger(s.handleEditExpense)))
	mux.Handle("POST /expenses/{id}", page(s.withLedger(s.handleUpdateExpense)))
	mux.Handle("POST /expenses/{id}/delete", page(s.withLedger(s.handleDeleteExpense)))

	// UI partials
	mux.Handle("GET /ui/expenses", page(s.withLedger(s.handleExpensesTable)))
	mux.Handle("POST /ui/filter", page(s.withLedger(s.handleFilter)))
	mux.Handle("POST /ui/refresh", page(s.withLedger(s.handleRefresh)))
	mux.Handle("GET /events", page(s.handleEvents))

	mux.Handle("GET /export.xlsx", page(s.withLedger(s.handleExportXLSX)))
	mux.Handle("POST /export/sheets", page(s.withLedger(s.handlePublishSheets)))

	var h http.Handler = mux
	h = s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, s.onRateLimited)(h)
	h = s.securityDetector.Middleware(opts.Logger)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = log.RequestIDMiddleware(trace.RequestIDFromRequest)(h)
	h = log.Middleware(logger)(h)
	h = s.traceMiddleware.Middleware(h)
	s.Handler = h

	// Expired browser sessions release their subscriptions on cleanup.
	s.cacheManager.Register(s.sessions.cache)
	s.cacheManager.StartCleanup(5 * time.Minute)

	return s, nil
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	if isHTMX(r) {
		NewHTMXResponse().
			Status(http.StatusTooManyRequests).
			TriggerErrorNotification("Too many requests, please wait a minute").
			Write(w)
		return
	}
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
}

// Shutdown gracefully shuts down the server and cleanup routines. Every
// browser session is released after in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	// Ensure shutdown logic runs only once
	s.shutdownOnce.Do(func() {
		shutdownErr = s.Server.Shutdown(ctx)

		s.cacheManager.Stop()
		s.rateLimiter.Stop()
		s.sessions.cache.Purge()
	})

	return shutdownErr
}

// render executes a named template into w with status.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed",
			log.FieldError, err,
			"template", name,
			log.FieldOperation, log.OpRender)
	}
}

// renderBuilder executes a named template into the body of b and writes it.
func (s *Server) renderBuilder(w http.ResponseWriter, r *http.Request, b *HTMXResponseBuilder, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed",
			log.FieldError, err,
			"template", name,
			log.FieldOperation, log.OpRender)
		InternalServerError("Rendering failed").Write(w)
		return
	}
	b.BodyHTML(buf.String()).Write(w)
}
