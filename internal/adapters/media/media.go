// Package media captures local camera and microphone tracks with
// pion/mediadevices.
package media

import (
	"errors"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrMediaUnavailable = errors.New("local media unavailable")

type Config struct {
	Width        int
	Height       int
	VideoBitrate int
}

func DefaultConfig() Config {
	return Config{Width: 640, Height: 480, VideoBitrate: 1_500_000}
}

// stream is what Acquire hands out. Close stops capture once.
type stream struct {
	tracks []webrtc.TrackLocal
	stop   func()
}

var _ core.LocalStream = (*stream)(nil)

func (s *stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *stream) Close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}
