//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Devices captures from V4L2 cameras and the default microphone.
type Devices struct {
	cfg      Config
	selector *mediadevices.CodecSelector
}

var _ core.MediaSource = (*Devices)(nil)

func NewDevices(cfg Config) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if cfg.VideoBitrate > 0 {
		vpxParams.BitRate = cfg.VideoBitrate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Devices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers exactly the codecs the capture encodes to.
func (d *Devices) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *Devices) Acquire(ctx context.Context, kind domain.CallKind) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn().Str("module", "media").Msg("no media devices found")
	}
	for _, dev := range devices {
		log.Debug().Str("module", "media").Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("media device")
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if kind.WantsVideo() {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if d.cfg.Width > 0 {
				c.Width = prop.IntRanged{Max: d.cfg.Width}
			}
			if d.cfg.Height > 0 {
				c.Height = prop.IntRanged{Max: d.cfg.Height}
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	tracks := ms.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("local track ended")
			}
		})
		out = append(out, t)
	}
	log.Info().Str("module", "media").Str("kind", string(kind)).Int("tracks", len(out)).Msg("local media captured")

	return &stream{
		tracks: out,
		stop: func() {
			for _, t := range tracks {
				if err := t.Close(); err != nil {
					log.Warn().Err(err).Str("module", "media").Msg("close local track")
				}
			}
		},
	}, nil
}
