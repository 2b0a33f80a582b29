package local

import (
	"log/slog"
	"sync"

	"roomexpenses/internal/backend"
)

// subscriberBuffer bounds pending notifications per subscriber. Overflowing
// notifications are dropped: every delivery triggers a full refetch, so one
// pending notification already covers any that follow it.
const subscriberBuffer = 8

// Hub fans change notifications out to in-process subscribers. Each
// subscriber runs its callback on its own goroutine, in publish order.
type Hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*hubSub
	closed bool
	logger *slog.Logger
}

type hubSub struct {
	hub    *Hub
	id     uint64
	table  string
	events []backend.EventType
	ch     chan backend.Change
	done   chan struct{}
	once   sync.Once
}

var _ backend.Feed = (*hubSub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: map[uint64]*hubSub{}, logger: logger}
}

// Subscribe registers cb for changes to table of the given kinds.
func (h *Hub) Subscribe(table string, events []backend.EventType, cb func(backend.Change)) backend.Feed {
	s := &hubSub{
		hub:    h,
		table:  table,
		events: append([]backend.EventType(nil), events...),
		ch:     make(chan backend.Change, subscriberBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	s.id = h.next
	h.next++
	if h.closed {
		h.mu.Unlock()
		s.end()
		return s
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case c := <-s.ch:
				select {
				case <-s.done:
					return
				default:
				}
				cb(c)
			}
		}
	}()
	return s
}

func (s *hubSub) Unsubscribe() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.end()
	return nil
}

func (s *hubSub) Done() <-chan struct{} { return s.done }

func (s *hubSub) end() { s.once.Do(func() { close(s.done) }) }

// Close ends every subscription; later ones are born ended.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[uint64]*hubSub{}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.end()
	}
}

// Publish delivers c to every matching subscriber without blocking.
func (h *Hub) Publish(c backend.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.table != c.Table || !backend.Wants(s.events, c.Type) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			h.logger.Debug("Change notification coalesced", "table", c.Table, "type", c.Type, "id", c.ID)
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
