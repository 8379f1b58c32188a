package core

import (
	"context"

	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources. Safe to call twice.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track RemoteTrack))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// SetTrackEnabled pauses or resumes sending every local track of kind.
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}

// MediaFactory builds one peer connection per call.
type MediaFactory interface {
	NewConnection(callID string) (MediaConnection, error)
}

// RemoteTrack is the read side of an inbound media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LocalStream is captured camera/microphone media. Close stops capture
// and releases the devices.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// MediaSource acquires local media matching a call kind: audio only for
// voice, audio and video for video.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (LocalStream, error)
}
