// Package media holds the remote side of a call: the tracks the counterpart
// sends and the sinks that consume them.
package media

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/ticketcall/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackInfo struct {
	ID       string              `json:"id"`
	StreamID string              `json:"stream_id"`
	Kind     webrtc.RTPCodecType `json:"-"`
	KindName string              `json:"kind"`
	Packets  uint64              `json:"packets"`
}

type relay struct {
	src     core.RemoteTrack
	packets atomic.Uint64
	cancel  context.CancelFunc
}

// RemoteStream owns the remote tracks of one call. Each track gets a read
// loop that forwards packets to every output of the same kind.
type RemoteStream struct {
	callID string

	mu      sync.RWMutex
	relays  map[string]*relay
	outputs map[string]*Output
	closed  bool
}

func NewRemoteStream(callID string) *RemoteStream {
	return &RemoteStream{
		callID:  callID,
		relays:  make(map[string]*relay),
		outputs: make(map[string]*Output),
	}
}

// AddTrack starts forwarding track. A track with the same ID replaces the
// previous one. Returns false once the stream is closed.
func (s *RemoteStream) AddTrack(ctx context.Context, track core.RemoteTrack) bool {
	logger := log.With().
		Str("module", "remote").
		Str("call", s.callID).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	ctx, cancel := context.WithCancel(ctx)
	r := &relay{src: track, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return false
	}
	if old, ok := s.relays[track.ID()]; ok {
		logger.Info().Msg("replacing remote track")
		old.cancel()
	}
	s.relays[track.ID()] = r
	s.mu.Unlock()

	logger.Info().Msg("forwarding remote track")
	go s.loop(ctx, r, &logger)
	return true
}

func (s *RemoteStream) loop(ctx context.Context, r *relay, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("remote track ended")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.packets.Add(1)
		s.forward(r.src.Kind(), pkt, logger)
	}
}

func (s *RemoteStream) forward(kind webrtc.RTPCodecType, pkt *rtp.Packet, logger *zerolog.Logger) {
	s.mu.RLock()
	snapshot := maps.Clone(s.outputs)
	s.mu.RUnlock()

	var dirty []string
	for name, o := range snapshot {
		if o.Kind != kind {
			continue
		}
		switch o.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, name)
		case TrackStateMuted:
		case TrackStateOk:
			if err := o.sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("output", name).Msg("sink write error, dropping output")
				o.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	if len(dirty) > 0 {
		s.mu.Lock()
		for _, name := range dirty {
			if o, ok := s.outputs[name]; ok && o.GetState() == TrackStateDelete {
				delete(s.outputs, name)
			}
		}
		s.mu.Unlock()
	}
}

// Attach adds a sink for every current and future remote track of kind.
// It returns nil when the stream is already closed.
func (s *RemoteStream) Attach(name string, kind webrtc.RTPCodecType, sink Sink) *Output {
	o := newOutput(name, kind, sink)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if old, ok := s.outputs[name]; ok {
		old.MarkDelete()
	}
	s.outputs[name] = o
	return o
}

func (s *RemoteStream) Detach(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.outputs[name]; ok {
		o.MarkDelete()
		delete(s.outputs, name)
	}
}

func (s *RemoteStream) Tracks() []TrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackInfo, 0, len(s.relays))
	for _, r := range s.relays {
		out = append(out, TrackInfo{
			ID:       r.src.ID(),
			StreamID: r.src.StreamID(),
			Kind:     r.src.Kind(),
			KindName: r.src.Kind().String(),
			Packets:  r.packets.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *RemoteStream) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops every read loop and marks all outputs deleted. Idempotent.
func (s *RemoteStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, r := range s.relays {
		r.cancel()
	}
	for _, o := range s.outputs {
		o.MarkDelete()
	}
	s.outputs = make(map[string]*Output)
	log.Debug().Str("module", "remote").Str("call", s.callID).Msg("remote stream closed")
}
