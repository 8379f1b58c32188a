package protocol

import (
	"encoding/json"

	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Outbound is a frame the console sends. Data is omitted when nil.
type Outbound struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

func Ping() Outbound { return Outbound{Type: TypePing} }

func CallRequestFor(kind domain.CallKind) Outbound {
	return Outbound{Type: CallRequestType(kind)}
}

func CallEndFor(kind domain.CallKind) Outbound {
	return Outbound{Type: CallEndType(kind)}
}

type offerData struct {
	Type  SignalType                `json:"type"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type answerData struct {
	Type   SignalType                `json:"type"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type candidateData struct {
	Type      SignalType              `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func OfferSignal(sd webrtc.SessionDescription) Outbound {
	return Outbound{Type: TypeVideoSignal, Data: offerData{Type: SignalOffer, Offer: sd}}
}

func AnswerSignal(sd webrtc.SessionDescription) Outbound {
	return Outbound{Type: TypeVideoSignal, Data: answerData{Type: SignalAnswer, Answer: sd}}
}

func CandidateSignal(ci webrtc.ICECandidateInit) Outbound {
	return Outbound{Type: TypeVideoSignal, Data: candidateData{Type: SignalICECandidate, Candidate: ci}}
}

// IsSendable reports whether t is a type the console may put on the wire.
// Server-originated tags (pong, connected, new_message) are not.
func IsSendable(t Type) bool {
	switch t {
	case TypePing, TypeVoiceCallRequest, TypeVideoCallRequest,
		TypeVoiceCallEnd, TypeVideoCallEnd, TypeVideoSignal:
		return true
	}
	return false
}
