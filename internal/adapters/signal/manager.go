// Package signal keeps one realtime socket per selected ticket: it dials,
// sends heartbeats, surfaces inbound events and reconnects after the socket
// closes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("socket is not connected")

// Dialer opens the transport. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	HeartbeatPeriod time.Duration
	ReconnectDelay  time.Duration
	WriteTimeout    time.Duration
	ReadLimit       int64
	// MissedPongLimit > 0 drops the connection after that many heartbeats
	// in a row went unanswered. Zero leaves liveness to the transport.
	MissedPongLimit int
	SendQueue       int
	Policy          Policy
}

func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod: 30 * time.Second,
		ReconnectDelay:  3 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadLimit:       1 << 20,
		SendQueue:       32,
		Policy:          SimplePolicy{},
	}
}

// Options are per-open settings.
type Options = core.SessionOptions

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// target is the identity of a session: same target, same socket.
type target struct {
	base     string
	token    string
	ticket   domain.TicketID
	endpoint string
}

// Manager owns at most one socket at a time. All state is guarded by mu;
// gen is bumped whenever the current socket or dial attempt is abandoned so
// callbacks from older ones become no-ops.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock

	mu         sync.Mutex
	target     target
	opts       Options
	open       bool
	gen        uint64
	dialing    bool
	dialCancel context.CancelFunc
	conn       *wsSignalConn
	connected  bool
	last       protocol.Inbound
	retry      *clock.Timer

	subs    map[int]*subscriber
	nextSub int
	onConn  []func(bool)
}

var _ core.TicketSession = (*Manager)(nil)

func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = def.HeartbeatPeriod
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	m := &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		clock: clock.New(),
		subs:  make(map[int]*subscriber),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open starts a managed connection for (base, token, ticket). When that
// identity is already open or opening only opts are updated. A missing
// token or ticket leaves the manager idle without an error.
func (m *Manager) Open(base, token string, ticket domain.TicketID, opts Options) error {
	if token == "" || ticket.IsZero() {
		log.Debug().Str("module", "signal").Msg("no token or ticket, staying idle")
		return nil
	}
	endpoint, err := Endpoint(base, ticket, token)
	if err != nil {
		return err
	}
	t := target{base: base, token: token, ticket: ticket, endpoint: endpoint}

	m.mu.Lock()
	if m.open && m.target == t && (m.conn != nil || m.dialing) {
		m.opts = opts
		m.mu.Unlock()
		log.Debug().Str("module", "signal").Str("ticket", string(ticket)).Bool("reconnect", opts.Reconnect).Msg("already open")
		return nil
	}
	var dropped bool
	if m.open && m.target != t {
		dropped = m.teardownLocked()
	}
	m.target = t
	m.opts = opts
	m.open = true
	m.stopRetryLocked()
	m.startDialLocked()
	m.mu.Unlock()

	if dropped {
		m.fireConnectivity(false)
	}
	return nil
}

// Close tears down the socket, the heartbeat and any pending reconnect.
// Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	wasOpen := m.open
	dropped := m.teardownLocked()
	m.open = false
	ticket := m.target.ticket
	m.mu.Unlock()

	if wasOpen {
		log.Info().Str("module", "signal").Str("ticket", string(ticket)).Msg("session closed")
	}
	if dropped {
		m.fireConnectivity(false)
	}
}

// Reconnect re-runs Open with the last identity.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	t, opts := m.target, m.opts
	m.mu.Unlock()
	if t.endpoint == "" {
		return nil
	}
	return m.Open(t.base, t.token, t.ticket, opts)
}

// Send transmits ev when connected. Otherwise it logs and returns
// ErrNotConnected; callers must not assume delivery.
func (m *Manager) Send(ev protocol.Outbound) error {
	data, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", string(ev.Type)).Msg("encode outbound")
		return err
	}

	m.mu.Lock()
	conn, connected, ticket := m.conn, m.connected, m.target.ticket
	m.mu.Unlock()
	if conn == nil || !connected {
		log.Error().Str("module", "signal").Str("type", string(ev.Type)).Msg("socket is not connected")
		return ErrNotConnected
	}

	if err := conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("ticket", string(ticket)).Str("type", string(ev.Type)).Msg("send failed")
		if errors.Is(err, ErrBackpressure) && m.cfg.Policy.OnBackPressure(ticket, conn.Queued()) == Recycle {
			log.Warn().Str("module", "signal").Str("ticket", string(ticket)).Msg("recycling stuck connection")
			conn.drop()
		}
		return err
	}
	return nil
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastMessage returns the most recent non-heartbeat event.
func (m *Manager) LastMessage() (protocol.Inbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.last != nil
}

func (m *Manager) Ticket() domain.TicketID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target.ticket
}

// OnConnectivity registers fn for every connect/disconnect transition.
// fn runs outside the manager lock.
func (m *Manager) OnConnectivity(fn func(connected bool)) {
	m.mu.Lock()
	m.onConn = append(m.onConn, fn)
	m.mu.Unlock()
}

func (m *Manager) fireConnectivity(connected bool) {
	m.mu.Lock()
	fns := make([]func(bool), len(m.onConn))
	copy(fns, m.onConn)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.dialing = true
	go m.dial(ctx, gen, m.target.endpoint)
}

func (m *Manager) dial(ctx context.Context, gen uint64, endpoint string) {
	log.Info().Str("module", "signal").Str("url", redact(endpoint)).Msg("dialing")
	ws, _, err := m.dialer.DialContext(ctx, endpoint, nil)

	m.mu.Lock()
	if gen != m.gen || !m.open {
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	m.dialing = false
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("url", redact(endpoint)).Msg("dial failed")
		m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		return
	}

	if m.cfg.ReadLimit > 0 {
		ws.SetReadLimit(m.cfg.ReadLimit)
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	conn := newWSSignalConn(ws, m.cfg.SendQueue, connCancel)
	// The ticker exists before the session reports connected, so a caller
	// that sees IsConnected can rely on the heartbeat schedule.
	ticker := m.clock.Ticker(m.cfg.HeartbeatPeriod)
	m.conn = conn
	m.connected = true
	go m.writePump(connCtx, conn)
	go m.readPump(connCtx, gen, conn)
	go m.heartbeat(connCtx, conn, ticker)
	ticket := m.target.ticket
	m.mu.Unlock()

	log.Info().Str("module", "signal").Str("ticket", string(ticket)).Msg("connected")
	m.fireConnectivity(true)
}

// handleClosed runs once per socket when its read pump ends.
func (m *Manager) handleClosed(gen uint64, conn *wsSignalConn) {
	conn.Close()

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	dropped := m.connected
	m.connected = false
	m.scheduleRetryLocked(gen)
	ticket := m.target.ticket
	m.mu.Unlock()

	log.Warn().Str("module", "signal").Str("ticket", string(ticket)).Msg("connection lost")
	if dropped {
		m.fireConnectivity(false)
	}
}

// scheduleRetryLocked arms exactly one reconnect attempt after the fixed
// delay, if the session is still open and asked for reconnects.
func (m *Manager) scheduleRetryLocked(gen uint64) {
	if !m.open || !m.opts.Reconnect {
		return
	}
	m.stopRetryLocked()
	m.retry = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || !m.open || m.conn != nil || m.dialing {
			return
		}
		m.retry = nil
		log.Info().Str("module", "signal").Str("ticket", string(m.target.ticket)).Msg("reconnecting")
		m.startDialLocked()
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// teardownLocked abandons the dial, socket and retry timer. It reports
// whether the session was connected.
func (m *Manager) teardownLocked() bool {
	m.gen++
	m.stopRetryLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.dialing = false
	if m.conn != nil {
		m.conn.closeGracefully()
		m.conn = nil
	}
	was := m.connected
	m.connected = false
	return was
}
