package signal

import (
	"context"
	"time"

	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 16

type subscriber struct {
	ch   chan protocol.Inbound
	done chan struct{}
}

// Subscribe returns a stream of inbound events in arrival order. Pongs are
// never delivered. The channel is not closed; call cancel to stop receiving.
func (m *Manager) Subscribe() (<-chan protocol.Inbound, func()) {
	sub := &subscriber{
		ch:   make(chan protocol.Inbound, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.mu.Unlock()

	var cancelled bool
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(m.subs, id)
		close(sub.done)
	}
	return sub.ch, cancel
}

func (m *Manager) writePump(ctx context.Context, c *wsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			// Socket deadlines follow the wall clock, never an injected one.
			if err := c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.drop()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.drop()
				return
			}
		}
	}
}

func (m *Manager) readPump(ctx context.Context, gen uint64, c *wsSignalConn) {
	defer m.handleClosed(gen, c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("module", "signal").Msg("server closed the socket")
			} else if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		m.handleFrame(ctx, c, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, c *wsSignalConn, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Int("bytes", len(data)).Msg("dropping frame")
		return
	}
	if ev.Type() == protocol.TypePong {
		c.unanswered.Store(0)
		log.Debug().Str("module", "signal").Msg("pong")
		return
	}

	m.mu.Lock()
	m.last = ev
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	log.Debug().Str("module", "signal").Str("type", string(ev.Type())).Msg("event")
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}
