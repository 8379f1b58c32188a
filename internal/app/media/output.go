package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink consumes remote RTP. *webrtc.TrackLocalStaticRTP satisfies it, so a
// remote stream can be forwarded straight into another PeerConnection.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// Output is one sink attached to a remote stream.
type Output struct {
	Name  string
	Kind  webrtc.RTPCodecType
	sink  Sink
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func newOutput(name string, kind webrtc.RTPCodecType, sink Sink) *Output {
	return &Output{Name: name, Kind: kind, sink: sink}
}

func (o *Output) GetState() TrackState {
	return TrackState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.Store(int32(TrackStateOk))
}

func (o *Output) MarkMuted() {
	o.state.Store(int32(TrackStateMuted))
}

func (o *Output) MarkDelete() {
	o.state.Store(int32(TrackStateDelete))
}
