// Package protocol defines the JSON frames exchanged over a ticket socket.
//
// Every frame is an object with a "type" tag. Inbound frames decode into one
// of the Inbound variants below; frames with an unknown tag or a shape that
// does not match their tag are rejected by Decode and dropped by callers.
package protocol

import (
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeConnected        Type = "connected"
	TypeNewMessage       Type = "new_message"
	TypeVoiceCallRequest Type = "voice_call_request"
	TypeVideoCallRequest Type = "video_call_request"
	TypeVoiceCallEnd     Type = "voice_call_end"
	TypeVideoCallEnd     Type = "video_call_end"
	TypeVideoSignal      Type = "video_signal"
)

// SignalType tags the payload nested in a video_signal frame.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// CallRequestType returns the request tag for a call kind.
func CallRequestType(kind domain.CallKind) Type {
	if kind == domain.CallVideo {
		return TypeVideoCallRequest
	}
	return TypeVoiceCallRequest
}

// CallEndType returns the end tag for a call kind.
func CallEndType(kind domain.CallKind) Type {
	if kind == domain.CallVideo {
		return TypeVideoCallEnd
	}
	return TypeVoiceCallEnd
}

// Inbound is a decoded frame received from the server.
type Inbound interface {
	Type() Type
}

// Pong answers a heartbeat. The session manager consumes it.
type Pong struct{}

// Connected is the server's greeting after the socket is accepted.
type Connected struct {
	TicketID domain.TicketID `json:"ticket_id"`
	User     domain.Identity `json:"user"`
}

type NewMessage struct {
	TicketID domain.TicketID `json:"ticket_id"`
	Message  domain.Message  `json:"message"`
}

// CallRequest is a voice_call_request or video_call_request.
type CallRequest struct {
	Kind     domain.CallKind `json:"-"`
	From     domain.Identity `json:"from"`
	TicketID domain.TicketID `json:"ticket_id"`
}

// CallEnd is a voice_call_end or video_call_end.
type CallEnd struct {
	Kind     domain.CallKind `json:"-"`
	From     domain.Identity `json:"from"`
	TicketID domain.TicketID `json:"ticket_id"`
}

// VideoSignal carries one negotiation artifact. Exactly one of Offer,
// Answer or Candidate is set, matching Signal.
type VideoSignal struct {
	Signal    SignalType
	Offer     *webrtc.SessionDescription
	Answer    *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

func (Pong) Type() Type        { return TypePong }
func (Connected) Type() Type   { return TypeConnected }
func (NewMessage) Type() Type  { return TypeNewMessage }
func (VideoSignal) Type() Type { return TypeVideoSignal }

func (r CallRequest) Type() Type { return CallRequestType(r.Kind) }
func (e CallEnd) Type() Type     { return CallEndType(e.Kind) }
