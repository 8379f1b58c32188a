package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/ticketcall/internal/app/call"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotSelected = errors.New("ticket is not selected")

// SessionFactory builds an unopened session for ticket.
type SessionFactory func(ticket domain.TicketID) core.TicketSession

type RegistryConfig struct {
	BaseURL   string
	Reconnect bool
}

// View is everything the console keeps for one selected ticket.
type View struct {
	Ticket  domain.TicketID
	Session core.TicketSession
	Calls   *call.Coordinator

	hub    *hub
	cancel context.CancelFunc
}

// Watch streams the view's inbound events, call states and connectivity
// changes until cancel is called or the ticket is deselected.
func (v *View) Watch() (<-chan Update, func()) {
	return v.hub.watch()
}

type Registry struct {
	cfg        RegistryConfig
	newSession SessionFactory
	media      core.MediaSource
	peers      core.MediaFactory

	mu    sync.RWMutex
	views map[domain.TicketID]*View
}

func NewRegistry(cfg RegistryConfig, newSession SessionFactory, media core.MediaSource, peers core.MediaFactory) *Registry {
	return &Registry{
		cfg:        cfg,
		newSession: newSession,
		media:      media,
		peers:      peers,
		views:      make(map[domain.TicketID]*View),
	}
}

// Select makes ticket the subject of a view: a session, its call
// coordinator and a feed. Selecting an already selected ticket returns the
// existing view. A missing token leaves the session idle.
func (r *Registry) Select(ticket domain.TicketID, token string) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[ticket]; ok {
		// A token may have arrived since the first select; Open is a
		// no-op when the session already runs.
		if err := v.Session.Open(r.cfg.BaseURL, token, ticket, core.SessionOptions{Reconnect: r.cfg.Reconnect}); err != nil {
			return nil, err
		}
		return v, nil
	}

	sess := r.newSession(ticket)
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		Ticket:  ticket,
		Session: sess,
		Calls:   call.New(ticket, sess, r.media, r.peers),
		hub:     newHub(ticket),
		cancel:  cancel,
	}
	v.Calls.OnChange(func(st call.State) { v.hub.publish(callUpdate(st)) })
	sess.OnConnectivity(func(up bool) { v.hub.publish(connectivityUpdate(up)) })

	events, unsubscribe := sess.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				v.hub.publish(eventUpdate(ev))
			}
		}
	}()
	v.Calls.Start(ctx)

	if err := sess.Open(r.cfg.BaseURL, token, ticket, core.SessionOptions{Reconnect: r.cfg.Reconnect}); err != nil {
		cancel()
		sess.Close()
		v.hub.close()
		return nil, err
	}
	r.views[ticket] = v
	log.Info().Str("module", "app.registry").Str("ticket", string(ticket)).Msg("selected ticket")
	return v, nil
}

func (r *Registry) Get(ticket domain.TicketID) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[ticket]
	return v, ok
}

func (r *Registry) Tickets() []domain.TicketID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TicketID, 0, len(r.views))
	for t := range r.views {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deselect hangs up any call, closes the session and stops the view's
// goroutines. It reports whether the ticket was selected.
func (r *Registry) Deselect(ticket domain.TicketID) bool {
	r.mu.Lock()
	v, ok := r.views[ticket]
	delete(r.views, ticket)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(v)
	log.Info().Str("module", "app.registry").Str("ticket", string(ticket)).Msg("deselected ticket")
	return true
}

// CloseAll deselects every ticket.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[domain.TicketID]*View)
	r.mu.Unlock()
	for _, v := range views {
		r.teardown(v)
	}
}

func (r *Registry) teardown(v *View) {
	if err := v.Calls.Hangup(); err != nil && !errors.Is(err, call.ErrNoCall) {
		log.Warn().Err(err).Str("module", "app.registry").Str("ticket", string(v.Ticket)).Msg("hangup on deselect")
	}
	v.cancel()
	v.Session.Close()
	v.hub.close()
}
