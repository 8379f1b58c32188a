package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var errSendFailed = errors.New("send failed")

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Outbound
	events    chan protocol.Inbound
	onConn    []func(bool)
	// failAt fails the n-th Send (1-based); zero never fails
	failAt int
	sends  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{connected: true, events: make(chan protocol.Inbound, 16)}
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Send(ev protocol.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.sends++
	if s.sends == s.failAt {
		return errSendFailed
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSession) Subscribe() (<-chan protocol.Inbound, func()) {
	return s.events, func() {}
}

func (s *fakeSession) OnConnectivity(fn func(bool)) {
	s.mu.Lock()
	s.onConn = append(s.onConn, fn)
	s.mu.Unlock()
}

func (s *fakeSession) drop() {
	s.mu.Lock()
	s.connected = false
	fns := append([]func(bool){}, s.onConn...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(false)
	}
}

// frames renders what was sent as "type" or "video_signal:<signal>".
func (s *fakeSession) frames(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, ev := range s.sent {
		name := string(ev.Type)
		if ev.Type == protocol.TypeVideoSignal {
			raw, err := ev.Encode()
			require.NoError(t, err)
			var env struct {
				Data struct {
					Type string `json:"type"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &env))
			name += ":" + env.Data.Type
		}
		out = append(out, name)
	}
	return out
}

type fakeStream struct {
	tracks []webrtc.TrackLocal
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
	kinds   []domain.CallKind
	done    int
	// ignoreCancel keeps capturing after ctx ends, like a device that
	// cannot be interrupted
	ignoreCancel bool
}

func (m *fakeMedia) Acquire(ctx context.Context, kind domain.CallKind) (core.LocalStream, error) {
	m.mu.Lock()
	gate, err, stubborn := m.gate, m.err, m.ignoreCancel
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.done++
		m.mu.Unlock()
	}()
	if gate != nil {
		cancelled := ctx.Done()
		if stubborn {
			cancelled = nil
		}
		select {
		case <-gate:
		case <-cancelled:
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	tracks := []webrtc.TrackLocal{mustTrack(webrtc.MimeTypeOpus, "audio")}
	if kind.WantsVideo() {
		tracks = append(tracks, mustTrack(webrtc.MimeTypeVP8, "video"))
	}
	s := &fakeStream{tracks: tracks}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.kinds)
}

// finished counts Acquire calls that returned.
func (m *fakeMedia) finished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// captured counts streams handed out.
func (m *fakeMedia) captured() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

func mustTrack(mime, id string) webrtc.TrackLocal {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	if err != nil {
		panic(err)
	}
	return t
}

type fakePC struct {
	mu         sync.Mutex
	started    bool
	closed     int
	tracks     []webrtc.TrackLocal
	offers     []string
	answers    []string
	candidates []string
	enabled    map[webrtc.RTPCodecType]bool

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(context.Context, core.RemoteTrack)
	onClosed func()
	ctx      context.Context
}

func (p *fakePC) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.ctx = ctx
	return nil
}

func (p *fakePC) Close() {
	p.mu.Lock()
	p.closed++
	first := p.closed == 1
	fn := p.onClosed
	p.mu.Unlock()
	if first && fn != nil {
		fn()
	}
}

func (p *fakePC) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed > 0
}

func (p *fakePC) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, ci.Candidate)
	return nil
}

func (p *fakePC) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (p *fakePC) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offers = append(p.offers, offer.SDP)
	p.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (p *fakePC) ApplyAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, answer.SDP)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

func (p *fakePC) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil, nil
}

var errNoSender = errors.New("no sender")

func (p *fakePC) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.Kind() == kind {
			p.enabled[kind] = enabled
			return nil
		}
	}
	return errNoSender
}

// remoteTrack simulates the first inbound track.
func (p *fakePC) remoteTrack(kind webrtc.RTPCodecType) {
	p.mu.Lock()
	fn, ctx := p.onTrack, p.ctx
	p.mu.Unlock()
	fn(ctx, &idleTrack{kind: kind, ctx: ctx})
}

func (p *fakePC) gathered(candidate string) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

type pcView struct {
	started    bool
	closed     int
	tracks     []webrtc.TrackLocal
	offers     []string
	answers    []string
	candidates []string
}

func (p *fakePC) view() pcView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pcView{
		started:    p.started,
		closed:     p.closed,
		tracks:     append([]webrtc.TrackLocal(nil), p.tracks...),
		offers:     append([]string(nil), p.offers...),
		answers:    append([]string(nil), p.answers...),
		candidates: append([]string(nil), p.candidates...),
	}
}

type fakePeers struct {
	mu    sync.Mutex
	conns []*fakePC
}

func (f *fakePeers) NewConnection(string) (core.MediaConnection, error) {
	pc := &fakePC{enabled: make(map[webrtc.RTPCodecType]bool)}
	f.mu.Lock()
	f.conns = append(f.conns, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakePeers) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

// idleTrack blocks in ReadRTP until its call is torn down.
type idleTrack struct {
	kind webrtc.RTPCodecType
	ctx  context.Context
}

func (t *idleTrack) ID() string                { return "remote-" + t.kind.String() }
func (t *idleTrack) StreamID() string          { return "remote" }
func (t *idleTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *idleTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.ctx.Done()
	return nil, nil, t.ctx.Err()
}
