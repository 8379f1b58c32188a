package call

import (
	"context"

	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Run feeds session events to HandleEvent in arrival order until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	events, cancel := c.session.Subscribe()
	c.loop(ctx, events, cancel)
}

// Start subscribes before returning, so no event sent after Start is
// missed, and handles events on a new goroutine until ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	events, cancel := c.session.Subscribe()
	go c.loop(ctx, events, cancel)
}

func (c *Coordinator) loop(ctx context.Context, events <-chan protocol.Inbound, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one inbound event. It never waits on media capture.
func (c *Coordinator) HandleEvent(ev protocol.Inbound) {
	switch e := ev.(type) {
	case protocol.Connected:
		c.mu.Lock()
		c.self = e.User
		c.mu.Unlock()
	case protocol.CallRequest:
		c.onRequest(e)
	case protocol.CallEnd:
		c.onRemoteEnd(e)
	case protocol.VideoSignal:
		switch {
		case e.Signal == protocol.SignalOffer && e.Offer != nil:
			c.onOffer(*e.Offer)
		case e.Signal == protocol.SignalAnswer && e.Answer != nil:
			c.onAnswer(*e.Answer)
		case e.Signal == protocol.SignalICECandidate && e.Candidate != nil:
			c.onRemoteCandidate(*e.Candidate)
		default:
			log.Warn().Str("module", "call").Str("signal", string(e.Signal)).Msg("video signal without payload, ignored")
		}
	}
}

// isEchoLocked reports frames the server relayed back to their sender.
func (c *Coordinator) isEchoLocked(from domain.Identity) bool {
	return c.self.Same(from)
}

func (c *Coordinator) onRequest(req protocol.CallRequest) {
	c.mu.Lock()
	defer c.unlock()
	if c.isEchoLocked(req.From) {
		return
	}
	if c.call != nil {
		log.Info().Str("module", "call").Str("ticket", string(c.ticket)).Str("from", req.From.Key()).Msg("call request while busy, ignored")
		return
	}
	ac := c.newCallLocked(req.Kind, domain.RoleResponder, domain.PhaseIncomingRinging, req.From)
	log.Info().Str("module", "call").Str("ticket", string(c.ticket)).Str("call", ac.id).Str("kind", string(req.Kind)).Str("from", req.From.Key()).Msg("incoming call")
}

// onRemoteEnd ends the call without answering, whatever kind the end names.
func (c *Coordinator) onRemoteEnd(end protocol.CallEnd) {
	c.mu.Lock()
	ac := c.call
	if ac == nil || c.isEchoLocked(end.From) {
		c.unlock()
		return
	}
	c.endLocked(ac, nil)
	c.unlock(ac.release)
}
