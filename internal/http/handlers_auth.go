package http

import (
	"net/http"
	"net/url"

	"roomexpenses/internal/log"
)

const confirmEmailMessage = "Check your email to confirm your account, then sign in."

// renderEntry shows the entry screen, as a partial for htmx and as a full
// page otherwise.
func (s *Server) renderEntry(w http.ResponseWriter, r *http.Request, status int, entry *entryData) {
	if isHTMX(r) {
		s.render(w, r, status, "entry", entry)
		return
	}
	s.render(w, r, status, "index.html", pageData{Title: "Sign in", Entry: entry})
}

// toIndex sends the browser to the page the gate now selects.
func (s *Server) toIndex(w http.ResponseWriter, r *http.Request) {
	if isHTMX(r) {
		NewHTMXResponse().Redirect("/").Write(w)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func entryErrorURL(msg string) string {
	return "/?error=" + url.QueryEscape(msg)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.sessions.ensure(w, r)
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}
	creds := ParseCredentials(p)

	if err := sess.gate.SignIn(ctx, creds.Email, creds.Password); err != nil {
		log.FromContext(ctx).InfoContext(ctx, "Sign in failed",
			log.FieldOperation, log.OpSignIn,
			log.FieldErrorType, log.ErrorTypeAuth,
			log.FieldError, err)
		entry := s.entryPage()
		entry.Email = creds.Email
		entry.Error = userMessage(err)
		s.renderEntry(w, r, http.StatusUnprocessableEntity, entry)
		return
	}
	s.toIndex(w, r)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.sessions.ensure(w, r)
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}
	creds := ParseCredentials(p)

	signedIn, err := sess.gate.SignUp(ctx, creds.Email, creds.Password)
	if err != nil {
		log.FromContext(ctx).InfoContext(ctx, "Sign up failed",
			log.FieldOperation, log.OpSignUp,
			log.FieldErrorType, log.ErrorTypeAuth,
			log.FieldError, err)
		entry := s.entryPage()
		entry.SignUp = true
		entry.Email = creds.Email
		entry.Error = userMessage(err)
		s.renderEntry(w, r, http.StatusUnprocessableEntity, entry)
		return
	}
	if !signedIn {
		log.FromContext(ctx).InfoContext(ctx, "Sign up awaiting email confirmation", log.FieldOperation, log.OpSignUp)
		entry := s.entryPage()
		entry.Email = creds.Email
		entry.Message = confirmEmailMessage
		s.renderEntry(w, r, http.StatusOK, entry)
		return
	}
	s.toIndex(w, r)
}

// handleOAuthStart sends the browser to the identity provider.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.sessions.ensure(w, r)
	provider := sanitizeInput(r.PathValue("provider"))

	target, err := sess.gate.SignInWithOAuth(ctx, provider, s.oauthRedirectURL)
	if err != nil {
		log.FromContext(ctx).InfoContext(ctx, "OAuth sign in unavailable",
			log.FieldOperation, log.OpOAuth,
			"provider", provider,
			log.FieldError, err)
		http.Redirect(w, r, entryErrorURL(userMessage(err)), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleOAuthCallback completes the provider redirect. The code verifier
// lives in the session that started the flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if desc := q.Get("error_description"); desc != "" {
		http.Redirect(w, r, entryErrorURL(sanitizeInput(desc)), http.StatusSeeOther)
		return
	}
	sess, ok := s.sessions.lookup(r)
	if !ok {
		http.Redirect(w, r, entryErrorURL("Your session expired, please sign in again"), http.StatusSeeOther)
		return
	}
	if err := sess.gate.CompleteOAuth(ctx, q.Get("code")); err != nil {
		log.FromContext(ctx).InfoContext(ctx, "OAuth callback rejected",
			log.FieldOperation, log.OpOAuth,
			log.FieldErrorType, log.ErrorTypeAuth,
			log.FieldError, err)
		http.Redirect(w, r, entryErrorURL(userMessage(err)), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleSignOut ends the session and always returns to the entry screen.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if sess, ok := s.sessions.lookup(r); ok {
		if err := sess.gate.SignOut(ctx); err != nil {
			log.FromContext(ctx).WarnContext(ctx, "Sign out not confirmed by backend, cleared locally",
				log.FieldOperation, log.OpSignOut,
				log.FieldError, err)
		}
	}
	s.toIndex(w, r)
}
