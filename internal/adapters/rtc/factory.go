// Package rtc wraps pion PeerConnections for one-to-one ticket calls.
package rtc

import (
	"time"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	ICEServers []string
	// ICE timeouts; zero keeps the pion defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          DefaultICEServers,
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// MediaEngineConfigurer registers the codecs local capture produces.
// Without one the factory registers pion's default codecs.
type MediaEngineConfigurer interface {
	ConfigureMediaEngine(m *webrtc.MediaEngine) error
}

// Factory builds PeerConnections that share one webrtc.API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.MediaFactory = (*Factory)(nil)

func NewFactory(cfg Config, codecs MediaEngineConfigurer) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: servers}},
		},
	}, nil
}

func (f *Factory) NewConnection(callID string) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "webrtc").Str("call", callID).Msg("peer connection created")
	return newWebRTCConnection(pc, callID), nil
}
