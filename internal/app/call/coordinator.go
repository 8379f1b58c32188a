// Package call turns the request/accept/decline/end events of a ticket
// session and the WebRTC offer/answer/ICE exchange into one call lifecycle.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoCall         = errors.New("no call")
	ErrCallAborted    = errors.New("call ended while it was being set up")
)

// Session is the ticket socket as the coordinator uses it.
type Session interface {
	core.SignalConnection
	core.EventSource
}

// Coordinator holds at most one call for one ticket session. Local actions
// and inbound events are serialized by mu; each action claims its phase
// before any slow step (media capture, SDP) so a repeated action is refused
// instead of running twice.
type Coordinator struct {
	ticket  domain.TicketID
	session Session
	media   core.MediaSource
	peers   core.MediaFactory

	mu        sync.Mutex
	self      domain.Identity
	call      *activeCall
	observers []func(State)
	pending   []State
}

func New(ticket domain.TicketID, session Session, src core.MediaSource, peers core.MediaFactory) *Coordinator {
	c := &Coordinator{
		ticket:  ticket,
		session: session,
		media:   src,
		peers:   peers,
	}
	session.OnConnectivity(c.onConnectivity)
	return c
}

// OnChange registers fn for every phase transition, including the transient
// ended phase. fn runs outside the coordinator lock.
func (c *Coordinator) OnChange(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return idleState()
	}
	return c.call.snapshot()
}

// Self is the identity the server greeted this session with.
func (c *Coordinator) Self() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// StartCall requests a call of kind and sends the offer. It is refused up
// front while offline or when a call already exists. Media errors end the
// attempt and are returned.
func (c *Coordinator) StartCall(ctx context.Context, kind domain.CallKind) error {
	c.mu.Lock()
	if !c.session.IsConnected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.call != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	ac := c.newCallLocked(kind, domain.RoleInitiator, domain.PhaseOutgoingRinging, domain.Identity{})
	c.unlock()

	captureCtx, stopCapture := captureContext(ctx, ac)
	local, err := c.media.Acquire(captureCtx, kind)
	stopCapture()

	c.mu.Lock()
	if c.call != ac {
		c.unlock()
		if local != nil {
			local.Close()
		}
		return ErrCallAborted
	}
	if err != nil {
		c.endLocked(ac, err)
		c.unlock(ac.release)
		log.Error().Err(err).Str("module", "call").Str("ticket", string(c.ticket)).Msg("acquire local media")
		return err
	}
	ac.local = local

	offer, err := c.setupPeerLocked(ac, func(pc core.MediaConnection) (*webrtc.SessionDescription, error) {
		return pc.CreateAndSetOffer()
	})
	if err == nil {
		if err = c.session.Send(protocol.CallRequestFor(kind)); err == nil {
			ac.announced = true
			err = c.session.Send(protocol.OfferSignal(*offer))
		}
	}
	if err != nil {
		if ac.announced {
			c.sendLocked(protocol.CallEndFor(kind))
		}
		c.endLocked(ac, err)
		c.unlock(ac.release)
		return err
	}
	log.Info().Str("module", "call").Str("ticket", string(c.ticket)).Str("call", ac.id).Str("kind", string(kind)).Msg("call requested")
	c.unlock()
	return nil
}

// Accept answers the ringing incoming call. The remote offer is processed
// now if it already arrived, otherwise as soon as it does.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	ac := c.call
	if ac == nil || ac.phase != domain.PhaseIncomingRinging {
		c.unlock()
		return ErrNoIncomingCall
	}
	c.setPhaseLocked(ac, domain.PhaseNegotiating)
	offer := ac.pendingOffer
	ac.pendingOffer = nil
	if offer == nil {
		c.unlock()
		return nil
	}
	return c.answerLocked(ctx, ac, *offer)
}

// Decline rejects the ringing incoming call with a kind-matching end.
func (c *Coordinator) Decline() error {
	c.mu.Lock()
	ac := c.call
	if ac == nil || ac.phase != domain.PhaseIncomingRinging {
		c.unlock()
		return ErrNoIncomingCall
	}
	c.sendLocked(protocol.CallEndFor(ac.kind))
	c.endLocked(ac, nil)
	c.unlock(ac.release)
	return nil
}

// Hangup ends the call locally and tells the counterpart if it knows about
// the call. Hanging up a ringing incoming call declines it.
func (c *Coordinator) Hangup() error {
	c.mu.Lock()
	ac := c.call
	if ac == nil {
		c.unlock()
		return ErrNoCall
	}
	if ac.announced {
		c.sendLocked(protocol.CallEndFor(ac.kind))
	}
	c.endLocked(ac, nil)
	c.unlock(ac.release)
	return nil
}

// SetMuted stops or resumes sending local media of one kind.
func (c *Coordinator) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	c.mu.Lock()
	ac := c.call
	if ac == nil || ac.pc == nil {
		c.unlock()
		return ErrNoCall
	}
	if err := ac.pc.SetTrackEnabled(kind, !muted); err != nil {
		c.unlock()
		return fmt.Errorf("set %s muted: %w", kind, err)
	}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		ac.audioMuted = muted
	case webrtc.RTPCodecTypeVideo:
		ac.videoMuted = muted
	}
	c.pending = append(c.pending, ac.snapshot())
	c.unlock()
	return nil
}

// onConnectivity drops the call when the session goes away. Nothing can be
// sent, so the counterpart learns from its own side.
func (c *Coordinator) onConnectivity(connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	ac := c.call
	if ac == nil {
		c.unlock()
		return
	}
	log.Warn().Str("module", "call").Str("ticket", string(c.ticket)).Str("call", ac.id).Msg("session lost, ending call")
	c.endLocked(ac, ErrNotConnected)
	c.unlock(ac.release)
}

// captureContext ends when either ctx or the call ends, so hanging up or a
// remote end aborts a capture in flight.
func captureContext(ctx context.Context, ac *activeCall) (context.Context, context.CancelFunc) {
	captureCtx, cancel := context.WithCancel(ac.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return captureCtx, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) newCallLocked(kind domain.CallKind, role domain.CallRole, phase domain.CallPhase, counterpart domain.Identity) *activeCall {
	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeCall{
		id:          uuid.NewString(),
		kind:        kind,
		role:        role,
		phase:       phase,
		counterpart: counterpart,
		ctx:         ctx,
		cancel:      cancel,
	}
	ac.announced = role == domain.RoleResponder
	c.call = ac
	c.pending = append(c.pending, ac.snapshot())
	return ac
}

func (c *Coordinator) setPhaseLocked(ac *activeCall, phase domain.CallPhase) {
	if ac.phase == phase {
		return
	}
	log.Debug().Str("module", "call").Str("call", ac.id).Str("from", string(ac.phase)).Str("to", string(phase)).Msg("phase")
	ac.phase = phase
	c.pending = append(c.pending, ac.snapshot())
}

// endLocked detaches ac and queues the ended and idle notifications. The
// caller releases ac's resources after unlocking.
func (c *Coordinator) endLocked(ac *activeCall, cause error) {
	if c.call != ac {
		return
	}
	c.call = nil
	ac.phase = domain.PhaseEnded
	st := ac.snapshot()
	if cause != nil {
		st.Error = cause.Error()
	}
	c.pending = append(c.pending, st, idleState())
	log.Info().Str("module", "call").Str("ticket", string(c.ticket)).Str("call", ac.id).Msg("call ended")
}

func (c *Coordinator) sendLocked(ev protocol.Outbound) {
	if err := c.session.Send(ev); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("type", string(ev.Type)).Msg("send")
	}
}

// unlock releases mu, runs the given cleanups and then delivers the queued
// notifications in order.
func (c *Coordinator) unlock(cleanups ...func()) {
	states := c.pending
	c.pending = nil
	observers := make([]func(State), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	for _, st := range states {
		for _, fn := range observers {
			fn(st)
		}
	}
}
