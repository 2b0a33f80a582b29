package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"roomexpenses/internal/gate"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).String(),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// handleReady reports whether the server can render pages and accept
// sessions.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	checks["sessions"] = map[string]interface{}{
		"active": s.sessions.size(),
		"status": "ok",
	}
	if s.publisher != nil {
		checks["google_sheets"] = "configured"
	} else {
		checks["google_sheets"] = "disabled"
	}

	checks["rate_limiter"] = map[string]interface{}{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	counter := func(name, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}
	gauge := func(name, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}

	w.WriteHeader(http.StatusOK)

	// Write metrics in Prometheus-like format
	counter("http_requests_total", "Total number of HTTP requests", traceMetrics.TotalRequests)
	gauge("http_response_time_avg_microseconds", "Average response time", traceMetrics.AverageResponseTime)
	counter("expenses_added_total", "Expenses added through the UI", atomic.LoadInt64(&s.appMetrics.expensesAdded))
	counter("expenses_updated_total", "Expenses updated through the UI", atomic.LoadInt64(&s.appMetrics.expensesUpdated))
	counter("expenses_deleted_total", "Expenses deleted through the UI", atomic.LoadInt64(&s.appMetrics.expensesDeleted))
	counter("exports_total", "Spreadsheet downloads", atomic.LoadInt64(&s.appMetrics.exports))
	counter("sheet_publishes_total", "Google Sheets publishes", atomic.LoadInt64(&s.appMetrics.publishes))
	gauge("sessions_active", "Browser sessions held in memory", int64(s.sessions.size()))
	counter("rate_limit_hits_total", "Total rate limit hits", rateLimitMetrics.TotalHits)
	gauge("active_rate_limit_clients", "Currently tracked rate limit clients", rateLimitMetrics.ClientCount)
	counter("suspicious_requests_total", "Total suspicious requests detected", securityMetrics.SuspiciousRequests)
	counter("invalid_ip_attempts_total", "Forwarded client addresses that failed to parse", securityMetrics.InvalidIPAttempts)
	gauge("uptime_seconds", "Application uptime in seconds", int64(time.Since(s.appMetrics.uptime).Seconds()))
}

// handleIndex renders the entry screen or the ledger, whichever the gate
// decides for this browser.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.ensure(w, r)

	if sess.gate.Screen() == gate.ScreenEntry {
		entry := s.entryPage()
		entry.SignUp = r.URL.Query().Get("mode") == "signup"
		if msg := r.URL.Query().Get("error"); msg != "" {
			entry.Error = sanitizeInput(msg)
		}
		s.render(w, r, http.StatusOK, "index.html", pageData{Title: "Sign in", Entry: entry})
		return
	}

	view, err := sess.ledgerView(r.Context())
	data := s.ledgerPage(sess, view, ledger.EntryForm{}, nil)
	if err != nil {
		data.Table.Error = userMessage(err)
	}
	s.render(w, r, http.StatusOK, "index.html", pageData{Title: "Expenses", Ledger: data})
}

func (s *Server) entryPage() *entryData {
	return &entryData{OAuthProviders: s.oauthProviders}
}

func (s *Server) ledgerPage(sess *appSession, view *ledger.View, form ledger.EntryForm, formErr error) *ledgerData {
	d := &ledgerData{
		Form:          formFrom(form, formErr),
		Table:         s.tableView(view.Snapshot()),
		SheetsEnabled: s.publisher != nil,
	}
	if u := sess.gate.User(); u != nil {
		d.Email = u.Email
	}
	return d
}

// ledgerHandler serves a signed-in browser with its mounted view.
type ledgerHandler func(w http.ResponseWriter, r *http.Request, sess *appSession, view *ledger.View)

// withLedger sends browsers without a signed-in session back to the entry
// screen and mounts the ledger view for the rest.
func (s *Server) withLedger(h ledgerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessions.lookup(r)
		if !ok || sess.gate.Screen() != gate.ScreenLedger {
			s.toIndex(w, r)
			return
		}
		view, err := sess.ledgerView(r.Context())
		if err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Ledger view mounted without data",
				log.FieldError, err,
				log.FieldSessionID, sess.id[:8])
		}
		h(w, r, sess, view)
	}
}
