package http

import (
	nethttp "net/http"
	"time"

	"github.com/dkeye/ticketcall/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const feedWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *nethttp.Request) bool { return true },
}

// feed streams the view's updates as JSON text frames. The first two
// frames are the current connectivity and call state.
func (h *handlers) feed(c *gin.Context) {
	v := viewOf(c)
	updates, cancel := v.Watch()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("module", "adapters.http").Msg("feed upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("ticket", string(v.Ticket)).Msg("feed opened")

	connected := v.Session.IsConnected()
	st := v.Calls.State()
	initial := []app.Update{
		{Kind: app.UpdateConnectivity, Connected: &connected},
		{Kind: app.UpdateCall, Call: &st},
	}

	go readPump(ws, cancel)
	writePump(ws, initial, updates)
}

// readPump discards client frames; its exit ends the watch.
func readPump(ws *websocket.Conn, cancel func()) {
	defer cancel()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ws *websocket.Conn, initial []app.Update, updates <-chan app.Update) {
	defer ws.Close()
	write := func(u app.Update) bool {
		if err := ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
			return false
		}
		if err := ws.WriteJSON(u); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("feed write")
			return false
		}
		return true
	}
	for _, u := range initial {
		if !write(u) {
			return
		}
	}
	for u := range updates {
		if !write(u) {
			return
		}
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ticket deselected"),
		time.Now().Add(time.Second))
}
