package domain

import "errors"

var ErrUnknownCallKind = errors.New("unknown call kind")

// CallKind selects which media a call carries.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallVoice, CallVideo:
		return CallKind(s), nil
	}
	return "", ErrUnknownCallKind
}

// WantsVideo reports whether local capture must include a camera.
func (k CallKind) WantsVideo() bool { return k == CallVideo }

type CallRole string

const (
	RoleInitiator CallRole = "initiator"
	RoleResponder CallRole = "responder"
)

// CallPhase is the lifecycle position of the single call a session may hold.
type CallPhase string

const (
	PhaseIdle            CallPhase = "idle"
	PhaseOutgoingRinging CallPhase = "outgoing-ringing"
	PhaseIncomingRinging CallPhase = "incoming-ringing"
	PhaseNegotiating     CallPhase = "negotiating"
	PhaseActive          CallPhase = "active"
	// PhaseEnded is only ever observed in change notifications; the
	// coordinator collapses it to PhaseIdle immediately.
	PhaseEnded CallPhase = "ended"
)
