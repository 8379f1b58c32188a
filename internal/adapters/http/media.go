package http

import (
	nethttp "net/http"
	"time"

	"github.com/dkeye/ticketcall/internal/app/call"
	"github.com/dkeye/ticketcall/internal/app/media"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	mediaQueue     = 256
	mediaStatePoll = time.Second
)

// rtpSink hands marshalled packets to a socket writer and drops them when
// the client falls behind.
type rtpSink struct {
	out chan []byte
}

func (s rtpSink) WriteRTP(p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	select {
	case s.out <- raw:
	default:
	}
	return nil
}

func (h *handlers) remoteTracks(c *gin.Context) {
	remote := viewOf(c).Calls.State().Remote
	if remote == nil {
		abort(c, nethttp.StatusConflict, call.ErrNoCall)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"tracks": remote.Tracks()})
}

// remoteMedia streams remote RTP of one kind as binary frames. A text frame
// {"muted": bool} pauses or resumes delivery.
func (h *handlers) remoteMedia(c *gin.Context) {
	kind := webrtc.NewRTPCodecType(c.Query("kind"))
	if kind == 0 {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
		return
	}
	v := viewOf(c)
	remote := v.Calls.State().Remote
	if remote == nil {
		abort(c, nethttp.StatusConflict, call.ErrNoCall)
		return
	}

	sink := rtpSink{out: make(chan []byte, mediaQueue)}
	name := "ws-" + uuid.NewString()
	out := remote.Attach(name, kind, sink)
	if out == nil {
		abort(c, nethttp.StatusConflict, call.ErrNoCall)
		return
	}
	defer remote.Detach(name)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("media upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("ticket", string(v.Ticket)).Str("output", name).Str("kind", kind.String()).Msg("media stream opened")

	go mediaReadPump(ws, out)
	mediaWritePump(ws, out, sink.out)
}

func mediaReadPump(ws *websocket.Conn, out *media.Output) {
	defer out.MarkDelete()
	for {
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if req.Muted {
			out.MarkMuted()
		} else {
			out.MarkOk()
		}
	}
}

// mediaWritePump runs until the output is deleted, either because the call
// ended or the client went away.
func mediaWritePump(ws *websocket.Conn, out *media.Output, packets <-chan []byte) {
	ticker := time.NewTicker(mediaStatePoll)
	defer ticker.Stop()
	defer ws.Close()
	for {
		select {
		case raw := <-packets:
			if err := ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			if out.GetState() == media.TrackStateDelete {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}
