package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrInvalidPayload = errors.New("invalid frame payload")
)

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type signalPayload struct {
	Type      SignalType                 `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer"`
	Answer    *webrtc.SessionDescription `json:"answer"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate"`
}

// Decode parses one text frame.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypePong:
		return Pong{}, nil
	case TypeConnected:
		var c Connected
		if err := unmarshalPayload(data, &c); err != nil {
			return nil, err
		}
		if err := c.User.Validate(); err != nil {
			return nil, fmt.Errorf("%w: connected user: %v", ErrInvalidPayload, err)
		}
		return c, nil
	case TypeNewMessage:
		return decodeNewMessage(data)
	case TypeVoiceCallRequest, TypeVideoCallRequest:
		var r CallRequest
		if err := unmarshalPayload(data, &r); err != nil {
			return nil, err
		}
		// an end may omit its sender, a request must name the caller
		if err := r.From.Validate(); err != nil {
			return nil, fmt.Errorf("%w: caller: %v", ErrInvalidPayload, err)
		}
		r.Kind = kindOf(env.Type)
		return r, nil
	case TypeVoiceCallEnd, TypeVideoCallEnd:
		var e CallEnd
		if err := unmarshalPayload(data, &e); err != nil {
			return nil, err
		}
		e.Kind = kindOf(env.Type)
		return e, nil
	case TypeVideoSignal:
		return decodeSignal(env.Data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeNewMessage(data []byte) (Inbound, error) {
	var probe struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if isNull(probe.Message) {
		return nil, fmt.Errorf("%w: new_message without message", ErrInvalidPayload)
	}
	var m NewMessage
	if err := unmarshalPayload(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSignal(raw json.RawMessage) (Inbound, error) {
	if isNull(raw) {
		return nil, fmt.Errorf("%w: video_signal without data", ErrInvalidPayload)
	}
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	sig := VideoSignal{Signal: p.Type}
	switch p.Type {
	case SignalOffer:
		if p.Offer == nil || p.Offer.SDP == "" {
			return nil, fmt.Errorf("%w: offer without sdp", ErrInvalidPayload)
		}
		p.Offer.Type = webrtc.SDPTypeOffer
		sig.Offer = p.Offer
	case SignalAnswer:
		if p.Answer == nil || p.Answer.SDP == "" {
			return nil, fmt.Errorf("%w: answer without sdp", ErrInvalidPayload)
		}
		p.Answer.Type = webrtc.SDPTypeAnswer
		sig.Answer = p.Answer
	case SignalICECandidate:
		if p.Candidate == nil {
			return nil, fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidPayload)
		}
		sig.Candidate = p.Candidate
	default:
		return nil, fmt.Errorf("%w: signal type %q", ErrInvalidPayload, p.Type)
	}
	return sig, nil
}

func unmarshalPayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func kindOf(t Type) domain.CallKind {
	if t == TypeVideoCallRequest || t == TypeVideoCallEnd {
		return domain.CallVideo
	}
	return domain.CallVoice
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
