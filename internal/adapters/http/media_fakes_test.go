package http

import (
	"context"
	"sync"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type fakeStream struct {
	tracks []webrtc.TrackLocal
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Close()                      {}

type fakeMedia struct{}

func (fakeMedia) Acquire(context.Context, domain.CallKind) (core.LocalStream, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		return nil, err
	}
	return &fakeStream{tracks: []webrtc.TrackLocal{t}}, nil
}

type fakePC struct {
	mu      sync.Mutex
	ctx     context.Context
	onTrack func(context.Context, core.RemoteTrack)
}

func (p *fakePC) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	return nil
}

func (p *fakePC) Close()                                        {}
func (p *fakePC) IsClosed() bool                                { return false }
func (p *fakePC) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (p *fakePC) OnICECandidate(func(webrtc.ICECandidateInit))  {}
func (p *fakePC) OnClosed(func())                               {}
func (p *fakePC) ApplyAnswer(webrtc.SessionDescription) error   { return nil }

func (p *fakePC) SetTrackEnabled(webrtc.RTPCodecType, bool) error { return nil }

func (p *fakePC) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePC) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

// remoteTrack delivers an inbound track fed through its packets channel.
func (p *fakePC) remoteTrack(kind webrtc.RTPCodecType) *chanTrack {
	p.mu.Lock()
	fn, ctx := p.onTrack, p.ctx
	p.mu.Unlock()
	t := &chanTrack{kind: kind, ctx: ctx, packets: make(chan *rtp.Packet, 8)}
	fn(ctx, t)
	return t
}

type fakePeers struct {
	mu    sync.Mutex
	conns []*fakePC
}

func (f *fakePeers) NewConnection(string) (core.MediaConnection, error) {
	pc := &fakePC{}
	f.mu.Lock()
	f.conns = append(f.conns, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePeers) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type chanTrack struct {
	kind    webrtc.RTPCodecType
	ctx     context.Context
	packets chan *rtp.Packet
}

func (t *chanTrack) ID() string                { return "remote-" + t.kind.String() }
func (t *chanTrack) StreamID() string          { return "remote" }
func (t *chanTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-t.packets:
		return p, nil, nil
	case <-t.ctx.Done():
		return nil, nil, t.ctx.Err()
	}
}
