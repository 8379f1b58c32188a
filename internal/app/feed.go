package app

import (
	"sync"

	"github.com/dkeye/ticketcall/internal/app/call"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type UpdateKind string

const (
	UpdateEvent        UpdateKind = "event"
	UpdateCall         UpdateKind = "call"
	UpdateConnectivity UpdateKind = "connectivity"
)

// Update is one item of a ticket view's feed.
type Update struct {
	Kind      UpdateKind       `json:"kind"`
	Type      protocol.Type    `json:"type,omitempty"`
	Event     protocol.Inbound `json:"event,omitempty"`
	Call      *call.State      `json:"call,omitempty"`
	Connected *bool            `json:"connected,omitempty"`
}

func eventUpdate(ev protocol.Inbound) Update {
	return Update{Kind: UpdateEvent, Type: ev.Type(), Event: ev}
}

func callUpdate(st call.State) Update {
	return Update{Kind: UpdateCall, Call: &st}
}

func connectivityUpdate(up bool) Update {
	return Update{Kind: UpdateConnectivity, Connected: &up}
}

const watcherQueue = 64

// hub fans view updates out to watchers. A watcher that cannot keep up
// loses updates rather than stalling the view.
type hub struct {
	ticket domain.TicketID

	mu       sync.Mutex
	watchers map[int]chan Update
	next     int
	closed   bool
}

func newHub(ticket domain.TicketID) *hub {
	return &hub{ticket: ticket, watchers: make(map[int]chan Update)}
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.watchers {
		select {
		case ch <- u:
		default:
			log.Warn().Str("module", "app.feed").Str("ticket", string(h.ticket)).Int("watcher", id).Msg("watcher slow, update dropped")
		}
	}
}

// watch returns a channel closed when cancel runs or the hub shuts down.
func (h *hub) watch() (<-chan Update, func()) {
	ch := make(chan Update, watcherQueue)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.watchers[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.watchers[id]; ok {
			delete(h.watchers, id)
			close(c)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.watchers {
		close(ch)
		delete(h.watchers, id)
	}
}
