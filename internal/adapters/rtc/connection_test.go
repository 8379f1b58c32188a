package rtc

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, f *Factory, id string) *WebRTCConnection {
	t.Helper()
	mc, err := f.NewConnection(id)
	require.NoError(t, err)
	c := mc.(*WebRTCConnection)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func audioTrack(t *testing.T) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local",
	)
	require.NoError(t, err)
	return track
}

func TestOfferAnswerExchange(t *testing.T) {
	f, err := NewFactory(DefaultConfig(), nil)
	require.NoError(t, err)
	caller := newConn(t, f, "caller")
	callee := newConn(t, f, "callee")

	_, err = caller.AddLocalTrack(audioTrack(t))
	require.NoError(t, err)

	offer, err := caller.CreateAndSetOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))

	answer, err := callee.ApplyOfferAndCreateAnswer(*offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, caller.ApplyAnswer(*answer))
	assert.Equal(t, webrtc.SignalingStateStable, caller.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, callee.pc.SignalingState())
}

func TestApplyAnswerWithoutOfferFails(t *testing.T) {
	f, err := NewFactory(DefaultConfig(), nil)
	require.NoError(t, err)
	c := newConn(t, f, "x")

	err = c.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	assert.Error(t, err)
}

func TestSetTrackEnabled(t *testing.T) {
	f, err := NewFactory(DefaultConfig(), nil)
	require.NoError(t, err)
	c := newConn(t, f, "mute")

	assert.ErrorIs(t, c.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false), ErrNoSender)

	track := audioTrack(t)
	sender, err := c.AddLocalTrack(track)
	require.NoError(t, err)

	require.NoError(t, c.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))
	assert.Nil(t, sender.Track())

	require.NoError(t, c.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true))
	assert.Equal(t, track, sender.Track())

	assert.ErrorIs(t, c.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false), ErrNoSender)
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := NewFactory(DefaultConfig(), nil)
	require.NoError(t, err)
	mc, err := f.NewConnection("bye")
	require.NoError(t, err)
	c := mc.(*WebRTCConnection)

	var closed atomic.Int32
	c.OnClosed(func() { closed.Add(1) })
	require.NoError(t, c.Start(context.Background()))

	c.Close()
	c.Close()
	assert.True(t, c.IsClosed())
	assert.Eventually(t, func() bool { return closed.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), closed.Load())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

type codecsFunc func(*webrtc.MediaEngine) error

func (f codecsFunc) ConfigureMediaEngine(m *webrtc.MediaEngine) error { return f(m) }

func TestFactoryUsesCodecConfigurer(t *testing.T) {
	var called bool
	f, err := NewFactory(Config{}, codecsFunc(func(m *webrtc.MediaEngine) error {
		called = true
		return m.RegisterDefaultCodecs()
	}))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, DefaultICEServers, f.cfg.ICEServers[0].URLs)
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)
