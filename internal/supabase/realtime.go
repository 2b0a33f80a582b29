package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

const (
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Second
	changeBuffer      = 8
)

// message is a Phoenix channel frame (serializer 1.0.0).
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		Reason string `json:"reason"`
	} `json:"response"`
}

type changePayload struct {
	Data struct {
		Table     string                     `json:"table"`
		Type      string                     `json:"type"`
		Record    map[string]json.RawMessage `json:"record"`
		OldRecord map[string]json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func (p *Provider) realtimeURL() string {
	u := *p.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {p.anonKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String()
}

// channel is one joined Realtime topic on its own socket. It is the
// backend.Feed returned by SubscribeToChanges.
type channel struct {
	conn    *websocket.Conn
	topic   string
	cb      func(backend.Change)
	logger  *slog.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64
	changes chan backend.Change
	done    chan struct{}
	once    sync.Once
	authSub backend.Subscription
}

// SubscribeToChanges joins a Realtime channel for table. It returns once the
// server acknowledged the join; a refused join or dial failure is an error.
func (d *Data) SubscribeToChanges(ctx context.Context, table string, events []backend.EventType, cb func(backend.Change)) (backend.Subscription, error) {
	token, err := d.auth.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	conn, _, err := d.p.dialer.DialContext(dialCtx, d.p.realtimeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	ch := &channel{
		conn:    conn,
		topic:   "realtime:" + table + "-changes",
		cb:      cb,
		logger:  d.p.logger,
		changes: make(chan backend.Change, changeBuffer),
		done:    make(chan struct{}),
	}

	if err := ch.join(table, events, token); err != nil {
		conn.Close()
		return nil, err
	}

	ch.authSub = d.auth.OnAuthStateChange(func(ev backend.AuthEvent, s *core.Session) {
		if ev == backend.AuthTokenRefreshed && s != nil {
			ch.send("access_token", map[string]string{"access_token": s.AccessToken})
		}
	})

	go ch.readLoop(table)
	go ch.heartbeat()
	go ch.dispatch()
	return ch, nil
}

// Unsubscribe leaves the channel.
func (ch *channel) Unsubscribe() error { return ch.close() }

var _ backend.Feed = (*channel)(nil)

// Done is closed when the channel is left or the server drops it.
func (ch *channel) Done() <-chan struct{} { return ch.done }

func (ch *channel) join(table string, events []backend.EventType, token string) error {
	var changes []postgresChange
	if len(events) == 0 || containsAll(events) {
		changes = append(changes, postgresChange{Event: "*", Schema: "public", Table: table})
	} else {
		for _, e := range events {
			changes = append(changes, postgresChange{Event: string(e), Schema: "public", Table: table})
		}
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": changes,
		},
		"access_token": token,
	}

	ref, err := ch.send("phx_join", payload)
	if err != nil {
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}

	ch.conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer ch.conn.SetReadDeadline(time.Time{})
	for {
		var m message
		if err := ch.conn.ReadJSON(&m); err != nil {
			return fmt.Errorf("join %s: %w", ch.topic, err)
		}
		if m.Event != "phx_reply" || m.Ref == nil || *m.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(m.Payload, &reply); err != nil {
			return fmt.Errorf("join %s: decode reply: %w", ch.topic, err)
		}
		if reply.Status != "ok" {
			reason := reply.Response.Reason
			if reason == "" {
				reason = reply.Status
			}
			return &backend.APIError{Status: 400, Code: "realtime_join", Message: reason}
		}
		return nil
	}
}

func containsAll(events []backend.EventType) bool {
	for _, e := range events {
		if e == backend.EventAll {
			return true
		}
	}
	return false
}

// send writes one frame and returns its ref.
func (ch *channel) send(event string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ref := strconv.FormatUint(ch.ref.Add(1), 10)
	topic := ch.topic
	if event == "heartbeat" {
		topic = "phoenix"
	}
	m := message{Topic: topic, Event: event, Payload: body, Ref: &ref}
	if event == "phx_join" {
		m.JoinRef = &ref
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ref, ch.conn.WriteJSON(m)
}

func (ch *channel) readLoop(table string) {
	for {
		var m message
		if err := ch.conn.ReadJSON(&m); err != nil {
			select {
			case <-ch.done:
			default:
				ch.logger.Warn("Realtime channel dropped, live updates paused", "topic", ch.topic, "error", err)
				go ch.close()
			}
			return
		}

		switch m.Event {
		case "postgres_changes":
			var p changePayload
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				ch.logger.Debug("Ignoring malformed change frame", "topic", ch.topic, "error", err)
				continue
			}
			c := backend.Change{Table: p.Data.Table, Type: backend.EventType(p.Data.Type)}
			if c.Table == "" {
				c.Table = table
			}
			if id, ok := p.Data.Record["id"]; ok {
				c.ID = rawID(id)
			} else if id, ok := p.Data.OldRecord["id"]; ok {
				c.ID = rawID(id)
			}
			select {
			case ch.changes <- c:
			default:
			}
		case "phx_error", "phx_close":
			ch.logger.Warn("Realtime channel closed by server", "topic", ch.topic, "event", m.Event)
			go ch.close()
			return
		}
	}
}

func (ch *channel) dispatch() {
	for {
		select {
		case <-ch.done:
			return
		case c := <-ch.changes:
			select {
			case <-ch.done:
				return
			default:
			}
			ch.cb(c)
		}
	}
}

func (ch *channel) heartbeat() {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-t.C:
			if _, err := ch.send("heartbeat", struct{}{}); err != nil {
				ch.logger.Debug("Realtime heartbeat failed", "topic", ch.topic, "error", err)
			}
		}
	}
}

// close leaves the channel and releases the socket. Safe to call repeatedly
// and from any goroutine, including the callback; only the first call does
// work. No callback starts after close returns.
func (ch *channel) close() error {
	var err error
	ch.once.Do(func() {
		close(ch.done)
		if ch.authSub != nil {
			ch.authSub.Unsubscribe()
		}
		// Best effort: the socket may already be gone
		ch.send("phx_leave", struct{}{})
		ch.writeMu.Lock()
		ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		if cerr := ch.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
