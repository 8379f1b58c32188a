package call

import (
	"context"
	"errors"

	"github.com/dkeye/ticketcall/internal/app/media"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// setupPeerLocked creates the peer connection for ac, attaches its local
// tracks and runs negotiate on it.
func (c *Coordinator) setupPeerLocked(ac *activeCall, negotiate func(core.MediaConnection) (*webrtc.SessionDescription, error)) (*webrtc.SessionDescription, error) {
	pc, err := c.peers.NewConnection(ac.id)
	if err != nil {
		return nil, err
	}
	ac.pc = pc
	ac.remote = media.NewRemoteStream(ac.id)

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.onLocalCandidate(ac, ci) })
	pc.OnTrack(func(ctx context.Context, track core.RemoteTrack) { c.onRemoteTrack(ctx, ac, track) })
	pc.OnClosed(func() { c.onPeerClosed(ac) })
	if err := pc.Start(ac.ctx); err != nil {
		return nil, err
	}

	if ac.local != nil {
		for _, t := range ac.local.Tracks() {
			if _, err := pc.AddLocalTrack(t); err != nil {
				return nil, err
			}
		}
	}
	return negotiate(pc)
}

// answerLocked captures media for ac and answers offer. Called with mu held;
// returns with it released.
func (c *Coordinator) answerLocked(ctx context.Context, ac *activeCall, offer webrtc.SessionDescription) error {
	ac.answering = true
	c.unlock()

	captureCtx, stopCapture := captureContext(ctx, ac)
	local, err := c.media.Acquire(captureCtx, ac.kind)
	stopCapture()

	c.mu.Lock()
	ac.answering = false
	if c.call != ac {
		c.unlock()
		if local != nil {
			local.Close()
		}
		return ErrCallAborted
	}
	if err != nil {
		// The counterpart is already waiting for an answer.
		c.sendLocked(protocol.CallEndFor(ac.kind))
		c.endLocked(ac, err)
		c.unlock(ac.release)
		log.Error().Err(err).Str("module", "call").Str("ticket", string(c.ticket)).Msg("acquire local media")
		return err
	}
	ac.local = local

	answer, err := c.setupPeerLocked(ac, func(pc core.MediaConnection) (*webrtc.SessionDescription, error) {
		return pc.ApplyOfferAndCreateAnswer(offer)
	})
	if err == nil {
		ac.remoteSet = true
		c.flushCandidatesLocked(ac)
		err = c.session.Send(protocol.AnswerSignal(*answer))
	}
	if err != nil {
		c.sendLocked(protocol.CallEndFor(ac.kind))
		c.endLocked(ac, err)
		c.unlock(ac.release)
		return err
	}
	log.Info().Str("module", "call").Str("ticket", string(c.ticket)).Str("call", ac.id).Msg("answer sent")
	c.unlock()
	return nil
}

// answerLate answers an offer that arrived after the user accepted. It runs
// off the event loop so an end frame is still handled during capture.
func (c *Coordinator) answerLate(ac *activeCall, offer webrtc.SessionDescription) {
	c.mu.Lock()
	if c.call != ac {
		c.unlock()
		return
	}
	if err := c.answerLocked(context.Background(), ac, offer); err != nil && !errors.Is(err, ErrCallAborted) {
		log.Error().Err(err).Str("module", "call").Str("call", ac.id).Msg("answer offer")
	}
}

func (c *Coordinator) onOffer(offer webrtc.SessionDescription) {
	c.mu.Lock()
	ac := c.call
	switch {
	case ac == nil:
		log.Debug().Str("module", "call").Msg("offer without a call, ignored")
	case ac.role != domain.RoleResponder:
		log.Warn().Str("module", "call").Str("call", ac.id).Msg("offer while calling out, ignored")
	case ac.phase == domain.PhaseIncomingRinging:
		if ac.pendingOffer != nil {
			log.Warn().Str("module", "call").Str("call", ac.id).Msg("second offer before accept, discarded")
			break
		}
		ac.pendingOffer = &offer
	case ac.answering:
		log.Warn().Str("module", "call").Str("call", ac.id).Msg("offer while answering, discarded")
	case ac.pc == nil:
		ac.answering = true
		c.unlock()
		go c.answerLate(ac, offer)
		return
	default:
		// renegotiation on the live connection
		answer, err := ac.pc.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("call", ac.id).Msg("apply renegotiation offer")
			break
		}
		c.sendLocked(protocol.AnswerSignal(*answer))
	}
	c.unlock()
}

func (c *Coordinator) onAnswer(answer webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.unlock()
	ac := c.call
	if ac == nil || ac.role != domain.RoleInitiator || ac.pc == nil || ac.remoteSet {
		log.Debug().Str("module", "call").Msg("unexpected answer, ignored")
		return
	}
	if err := ac.pc.ApplyAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call", ac.id).Msg("apply answer")
		return
	}
	ac.remoteSet = true
	c.flushCandidatesLocked(ac)
	if ac.phase == domain.PhaseOutgoingRinging {
		c.setPhaseLocked(ac, domain.PhaseNegotiating)
	}
}

func (c *Coordinator) onRemoteCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.unlock()
	ac := c.call
	if ac == nil {
		return
	}
	if ac.pc == nil || !ac.remoteSet {
		if len(ac.candidates) >= maxBufferedCandidates {
			log.Warn().Str("module", "call").Str("call", ac.id).Msg("candidate buffer full, dropping")
			return
		}
		ac.candidates = append(ac.candidates, ci)
		return
	}
	if err := ac.pc.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", ac.id).Msg("add ice candidate")
	}
}

func (c *Coordinator) flushCandidatesLocked(ac *activeCall) {
	for _, ci := range ac.candidates {
		if err := ac.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", ac.id).Msg("add buffered ice candidate")
		}
	}
	ac.candidates = nil
}

// onLocalCandidate trickles each gathered candidate as its own frame. It
// takes mu, so candidates never overtake the offer or answer.
func (c *Coordinator) onLocalCandidate(ac *activeCall, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.unlock()
	if c.call != ac {
		return
	}
	c.sendLocked(protocol.CandidateSignal(ci))
}

func (c *Coordinator) onRemoteTrack(ctx context.Context, ac *activeCall, track core.RemoteTrack) {
	c.mu.Lock()
	defer c.unlock()
	if c.call != ac {
		return
	}
	ac.remote.AddTrack(ctx, track)
	c.setPhaseLocked(ac, domain.PhaseActive)
}

// onPeerClosed ends the call when the transport fails underneath it.
func (c *Coordinator) onPeerClosed(ac *activeCall) {
	c.mu.Lock()
	if c.call != ac {
		c.unlock()
		return
	}
	log.Warn().Str("module", "call").Str("call", ac.id).Msg("peer connection closed")
	if ac.announced {
		c.sendLocked(protocol.CallEndFor(ac.kind))
	}
	c.endLocked(ac, nil)
	c.unlock(ac.release)
}
