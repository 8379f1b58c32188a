package call

import (
	"context"
	"sync"

	"github.com/dkeye/ticketcall/internal/app/media"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// State is a read-only snapshot of the session's call.
type State struct {
	CallID      string           `json:"call_id,omitempty"`
	Phase       domain.CallPhase `json:"phase"`
	Kind        domain.CallKind  `json:"kind,omitempty"`
	Role        domain.CallRole  `json:"role,omitempty"`
	Counterpart *domain.Identity `json:"counterpart,omitempty"`
	AudioMuted  bool             `json:"audio_muted"`
	VideoMuted  bool             `json:"video_muted"`
	// Error is set on the ended snapshot of a call that failed.
	Error string `json:"error,omitempty"`

	Local  core.LocalStream     `json:"-"`
	Remote *media.RemoteStream `json:"-"`
}

func idleState() State { return State{Phase: domain.PhaseIdle} }

// maxBufferedCandidates bounds remote ICE candidates held until the remote
// description is set.
const maxBufferedCandidates = 64

// activeCall is the single non-idle call a coordinator may hold.
type activeCall struct {
	id          string
	kind        domain.CallKind
	role        domain.CallRole
	phase       domain.CallPhase
	counterpart domain.Identity

	ctx    context.Context
	cancel context.CancelFunc

	local  core.LocalStream
	remote *media.RemoteStream
	pc     core.MediaConnection

	// the counterpart knows about the call and expects an end
	announced bool

	// responder side: offer held until the user accepts
	pendingOffer *webrtc.SessionDescription
	// media acquisition for the answer is in flight
	answering bool

	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	audioMuted bool
	videoMuted bool

	releaseOnce sync.Once
}

func (ac *activeCall) snapshot() State {
	st := State{
		CallID:     ac.id,
		Phase:      ac.phase,
		Kind:       ac.kind,
		Role:       ac.role,
		AudioMuted: ac.audioMuted,
		VideoMuted: ac.videoMuted,
		Local:      ac.local,
		Remote:     ac.remote,
	}
	if !ac.counterpart.IsZero() {
		who := ac.counterpart
		st.Counterpart = &who
	}
	return st
}

// release stops local capture, the remote stream and the peer connection.
// Runs at most once per call and never under the coordinator lock.
func (ac *activeCall) release() {
	ac.releaseOnce.Do(func() {
		ac.cancel()
		if ac.local != nil {
			ac.local.Close()
		}
		if ac.remote != nil {
			ac.remote.Close()
		}
		if ac.pc != nil {
			ac.pc.Close()
		}
	})
}
