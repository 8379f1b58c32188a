// Package http is the local control plane of the console: REST routes for
// selecting tickets and driving calls, and a WebSocket feed of what each
// selected ticket sees.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/dkeye/ticketcall/internal/adapters/signal"
	"github.com/dkeye/ticketcall/internal/app"
	"github.com/dkeye/ticketcall/internal/app/call"
	"github.com/dkeye/ticketcall/internal/config"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	sessionName = "TicketCallSessions"
	tokenKey    = "token"
	viewKey     = "view"
)

// TokenMiddleware exposes the auth token stored in the cookie session, or
// fallback when none was posted yet.
func TokenMiddleware(fallback string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := fallback
		if v, ok := sessions.Default(c).Get(tokenKey).(string); ok && v != "" {
			token = v
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, reg *app.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(TokenMiddleware(cfg.Token))

	h := &handlers{reg: reg}

	api := r.Group("/api")
	api.POST("/token", h.setToken)
	api.GET("/tickets", h.listTickets)

	api.POST("/tickets/:id/select", h.selectTicket)
	api.DELETE("/tickets/:id/select", h.deselectTicket)

	t := api.Group("/tickets/:id", h.requireView)
	t.GET("/session", h.session)
	t.POST("/reconnect", h.reconnect)
	t.POST("/disconnect", h.disconnect)
	t.GET("/feed", h.feed)

	t.GET("/call", h.callState)
	t.POST("/call", h.startCall)
	t.POST("/call/accept", h.accept)
	t.POST("/call/decline", h.decline)
	t.POST("/call/hangup", h.hangup)
	t.POST("/call/mute", h.mute)
	t.GET("/call/tracks", h.remoteTracks)
	t.GET("/call/media", h.remoteMedia)
	t.POST("/send", h.send)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	reg *app.Registry
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusFor maps session and call errors to response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrNotConnected),
		errors.Is(err, signal.ErrNotConnected),
		errors.Is(err, signal.ErrBackpressure),
		errors.Is(err, signal.ErrConnClosed):
		return nethttp.StatusServiceUnavailable
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrCallAborted):
		return nethttp.StatusConflict
	case errors.Is(err, signal.ErrInvalidBaseURL),
		errors.Is(err, signal.ErrUnsupportedScheme),
		errors.Is(err, domain.ErrUnknownCallKind):
		return nethttp.StatusBadRequest
	}
	return nethttp.StatusInternalServerError
}

func (h *handlers) setToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "missing or invalid token"})
		return
	}
	s := sessions.Default(c)
	s.Set(tokenKey, req.Token)
	if err := s.Save(); err != nil {
		abort(c, nethttp.StatusInternalServerError, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) listTickets(c *gin.Context) {
	c.JSON(nethttp.StatusOK, gin.H{"tickets": h.reg.Tickets()})
}

func ticketParam(c *gin.Context) (domain.TicketID, bool) {
	ticket, err := domain.ParseTicketID(c.Param("id"))
	if err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return "", false
	}
	return ticket, true
}

func (h *handlers) selectTicket(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	v, err := h.reg.Select(ticket, c.GetString(tokenKey))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, sessionView(v))
}

func (h *handlers) deselectTicket(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	if !h.reg.Deselect(ticket) {
		abort(c, nethttp.StatusNotFound, app.ErrNotSelected)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) requireView(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	v, ok := h.reg.Get(ticket)
	if !ok {
		abort(c, nethttp.StatusNotFound, app.ErrNotSelected)
		return
	}
	c.Set(viewKey, v)
	c.Next()
}

func viewOf(c *gin.Context) *app.View {
	return c.MustGet(viewKey).(*app.View)
}

type lastMessage struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

type sessionResponse struct {
	Ticket      domain.TicketID `json:"ticket"`
	Connected   bool            `json:"connected"`
	LastMessage *lastMessage    `json:"last_message"`
}

func sessionView(v *app.View) sessionResponse {
	resp := sessionResponse{Ticket: v.Ticket, Connected: v.Session.IsConnected()}
	if ev, ok := v.Session.LastMessage(); ok {
		resp.LastMessage = &lastMessage{Type: string(ev.Type()), Event: ev}
	}
	return resp
}

func (h *handlers) session(c *gin.Context) {
	c.JSON(nethttp.StatusOK, sessionView(viewOf(c)))
}

func (h *handlers) reconnect(c *gin.Context) {
	v := viewOf(c)
	if err := v.Session.Reconnect(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, sessionView(v))
}

func (h *handlers) disconnect(c *gin.Context) {
	v := viewOf(c)
	v.Session.Close()
	c.JSON(nethttp.StatusOK, sessionView(v))
}

// send puts a raw frame on the ticket socket. Only frames a client may
// originate are accepted.
func (h *handlers) send(c *gin.Context) {
	var req struct {
		Type protocol.Type   `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	if !protocol.IsSendable(req.Type) {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": fmt.Sprintf("frame type %q cannot be sent", req.Type)})
		return
	}
	ev := protocol.Outbound{Type: req.Type}
	if len(req.Data) > 0 {
		ev.Data = req.Data
	}
	if err := viewOf(c).Session.Send(ev); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) callState(c *gin.Context) {
	c.JSON(nethttp.StatusOK, viewOf(c).Calls.State())
}

func (h *handlers) startCall(c *gin.Context) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	kind, err := domain.ParseCallKind(req.Kind)
	if err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	v := viewOf(c)
	if err := v.Calls.StartCall(c.Request.Context(), kind); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, v.Calls.State())
}

func (h *handlers) accept(c *gin.Context) {
	v := viewOf(c)
	if err := v.Calls.Accept(c.Request.Context()); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, v.Calls.State())
}

func (h *handlers) decline(c *gin.Context) {
	v := viewOf(c)
	if err := v.Calls.Decline(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, v.Calls.State())
}

func (h *handlers) hangup(c *gin.Context) {
	v := viewOf(c)
	if err := v.Calls.Hangup(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, v.Calls.State())
}

func (h *handlers) mute(c *gin.Context) {
	var req struct {
		Track string `json:"track"`
		Muted bool   `json:"muted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, nethttp.StatusBadRequest, err)
		return
	}
	kind := webrtc.NewRTPCodecType(req.Track)
	if kind == 0 {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "track must be audio or video"})
		return
	}
	v := viewOf(c)
	if err := v.Calls.SetMuted(kind, req.Muted); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(nethttp.StatusOK, v.Calls.State())
}
