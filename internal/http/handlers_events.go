package http

import (
	"fmt"
	"net/http"
	"time"

	"roomexpenses/internal/gate"
	"roomexpenses/internal/log"
)

const eventsKeepAlive = 25 * time.Second

// handleEvents streams a "changed" event whenever the browser's ledger view
// re-synced, and a "session" event when the view goes away (sign out or
// expiry) so the page reloads.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := s.sessions.lookup(r)
	if !ok || sess.gate.Screen() != gate.ScreenLedger {
		// 204 tells EventSource not to reconnect.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	view, err := sess.ledgerView(ctx)
	if err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Event stream opened without data", log.FieldError, err)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	changes, stop := view.Watch()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case _, open := <-changes:
			if !open {
				fmt.Fprint(w, "event: session\ndata: ended\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprint(w, "event: changed\ndata: expenses\n\n")
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
