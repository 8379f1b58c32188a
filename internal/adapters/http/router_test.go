package http

import (
	"bytes"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/ticketcall/internal/adapters/signal"
	"github.com/dkeye/ticketcall/internal/app"
	"github.com/dkeye/ticketcall/internal/config"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

var customer = domain.Identity{Type: domain.IdentityReseller, ID: 7, Username: "shop"}

type fakeSession struct {
	mu        sync.Mutex
	token     string
	connected bool
	closed    int
	last      protocol.Inbound
	sent      []protocol.Outbound
	subs      []chan protocol.Inbound
	onConn    []func(bool)
}

func (s *fakeSession) Open(_ string, token string, _ domain.TicketID, _ core.SessionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.connected = token != ""
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed++
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeSession) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = s.token != ""
	return nil
}

func (s *fakeSession) LastMessage() (protocol.Inbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last != nil
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
		return signal.ErrNotConnected
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSession) Subscribe() (<-chan protocol.Inbound, func()) {
	ch := make(chan protocol.Inbound, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {}
}

func (s *fakeSession) OnConnectivity(fn func(bool)) {
	s.mu.Lock()
	s.onConn = append(s.onConn, fn)
	s.mu.Unlock()
}

func (s *fakeSession) emit(ev protocol.Inbound) {
	s.mu.Lock()
	s.last = ev
	subs := append([]chan protocol.Inbound(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

func (s *fakeSession) sentTypes() []protocol.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Type, 0, len(s.sent))
	for _, ev := range s.sent {
		out = append(out, ev.Type)
	}
	return out
}

func (s *fakeSession) lastSent(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	raw, err := s.sent[len(s.sent)-1].Encode()
	require.NoError(t, err)
	return string(raw)
}

type env struct {
	router   *gin.Engine
	reg      *app.Registry
	peers    *fakePeers
	mu       sync.Mutex
	sessions map[domain.TicketID]*fakeSession
}

func newEnv(t *testing.T, cfgToken string) *env {
	t.Helper()
	e := &env{sessions: make(map[domain.TicketID]*fakeSession), peers: &fakePeers{}}
	e.reg = app.NewRegistry(app.RegistryConfig{BaseURL: "ws://support.test", Reconnect: true}, func(ticket domain.TicketID) core.TicketSession {
		s := &fakeSession{}
		e.mu.Lock()
		e.sessions[ticket] = s
		e.mu.Unlock()
		return s
	}, fakeMedia{}, e.peers)
	t.Cleanup(e.reg.CloseAll)
	cfg := &config.Config{Mode: "test", Secret: "test-secret", Token: cfgToken}
	e.router = SetupRouter(cfg, e.reg)
	return e
}

func (e *env) session(ticket domain.TicketID) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[ticket]
}

func (e *env) do(t *testing.T, method, path, body string, cookies ...*nethttp.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestTokenIsKeptInCookieSession(t *testing.T) {
	e := newEnv(t, "")

	w := e.do(t, "POST", "/api/token", `{"token":"abc"}`)
	require.Equal(t, nethttp.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	w = e.do(t, "POST", "/api/tickets/42/select", "", cookies...)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "abc", e.session("42").token)
	assert.Equal(t, true, decode(t, w)["connected"])
}

func TestTokenFallsBackToConfig(t *testing.T) {
	e := newEnv(t, "from-config")
	w := e.do(t, "POST", "/api/tickets/42/select", "")
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "from-config", e.session("42").token)
}

func TestSetTokenRejectsEmpty(t *testing.T) {
	e := newEnv(t, "")
	w := e.do(t, "POST", "/api/token", `{"token":""}`)
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w), "error")
}

func TestUnknownAndInvalidTickets(t *testing.T) {
	e := newEnv(t, "tok")

	w := e.do(t, "GET", "/api/tickets/42/session", "")
	assert.Equal(t, nethttp.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/api/tickets/%20/select", "")
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = e.do(t, "DELETE", "/api/tickets/42/select", "")
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}

func TestSessionReportsLastMessage(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	body := decode(t, e.do(t, "GET", "/api/tickets/42/session", ""))
	assert.Equal(t, true, body["connected"])
	assert.Nil(t, body["last_message"])

	e.session("42").emit(protocol.NewMessage{TicketID: "42", Message: domain.Message{ID: 9, Message: "hi"}})
	body = decode(t, e.do(t, "GET", "/api/tickets/42/session", ""))
	last, ok := body["last_message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "new_message", last["type"])
}

func TestDisconnectAndReconnect(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	body := decode(t, e.do(t, "POST", "/api/tickets/42/disconnect", ""))
	assert.Equal(t, false, body["connected"])

	body = decode(t, e.do(t, "POST", "/api/tickets/42/reconnect", ""))
	assert.Equal(t, true, body["connected"])
}

func TestCallErrorsMapToStatus(t *testing.T) {
	e := newEnv(t, "")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	w := e.do(t, "POST", "/api/tickets/42/call", `{"kind":"voice"}`)
	assert.Equal(t, nethttp.StatusServiceUnavailable, w.Code, "offline session")

	w = e.do(t, "POST", "/api/tickets/42/call", `{"kind":"fax"}`)
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/tickets/42/call/hangup", "")
	assert.Equal(t, nethttp.StatusConflict, w.Code)

	w = e.do(t, "POST", "/api/tickets/42/call/accept", "")
	assert.Equal(t, nethttp.StatusConflict, w.Code)

	w = e.do(t, "POST", "/api/tickets/42/call/mute", `{"track":"screen","muted":true}`)
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/tickets/42/call/mute", `{"track":"audio","muted":true}`)
	assert.Equal(t, nethttp.StatusConflict, w.Code)
}

func TestDeclineIncomingCall(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	e.session("42").emit(protocol.CallRequest{Kind: domain.CallVideo, From: customer, TicketID: "42"})
	require.Eventually(t, func() bool {
		body := decode(t, e.do(t, "GET", "/api/tickets/42/call", ""))
		return body["phase"] == string(domain.PhaseIncomingRinging)
	}, 2*time.Second, 5*time.Millisecond)

	body := decode(t, e.do(t, "POST", "/api/tickets/42/call/decline", ""))
	assert.Equal(t, string(domain.PhaseIdle), body["phase"])
	assert.Equal(t, []protocol.Type{protocol.TypeVideoCallEnd}, e.session("42").sentTypes())
}

func TestDeselect(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	assert.Equal(t, []any{"42"}, decode(t, e.do(t, "GET", "/api/tickets", ""))["tickets"])
	assert.Equal(t, nethttp.StatusNoContent, e.do(t, "DELETE", "/api/tickets/42/select", "").Code)
	assert.Equal(t, 1, e.session("42").closed)
	assert.Equal(t, nethttp.StatusNotFound, e.do(t, "GET", "/api/tickets/42/call", "").Code)
}

type feedCall struct {
	Phase string `json:"phase"`
}

type feedFrame struct {
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	Connected *bool           `json:"connected"`
	Call      *feedCall       `json:"call"`
	Event     json.RawMessage `json:"event"`
}

func TestFeedStreamsUpdates(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	srv := httptest.NewServer(e.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tickets/42/feed"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var f feedFrame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "connectivity", f.Kind)
	require.NotNil(t, f.Connected)
	assert.True(t, *f.Connected)

	f = feedFrame{}
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "call", f.Kind)
	require.NotNil(t, f.Call)
	assert.Equal(t, "idle", f.Call.Phase)

	e.session("42").emit(protocol.NewMessage{TicketID: "42", Message: domain.Message{ID: 1, Message: "hello"}})
	f = feedFrame{}
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "event", f.Kind)
	assert.Equal(t, "new_message", f.Type)
	assert.Contains(t, string(f.Event), "hello")

	e.reg.Deselect("42")
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestFeedUnknownTicket(t *testing.T) {
	e := newEnv(t, "tok")
	w := e.do(t, "GET", "/api/tickets/42/feed", "")
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}

func TestSendRawFrame(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	w := e.do(t, "POST", "/api/tickets/42/send", `{"type":"ping"}`)
	require.Equal(t, nethttp.StatusNoContent, w.Code)
	assert.JSONEq(t, `{"type":"ping"}`, e.session("42").lastSent(t))

	w = e.do(t, "POST", "/api/tickets/42/send", `{"type":"video_signal","data":{"type":"ice-candidate","candidate":{"candidate":"c1"}}}`)
	require.Equal(t, nethttp.StatusNoContent, w.Code)
	assert.JSONEq(t, `{"type":"video_signal","data":{"type":"ice-candidate","candidate":{"candidate":"c1"}}}`, e.session("42").lastSent(t))
}

func TestSendRejectsServerFrames(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	for _, body := range []string{`{"type":"new_message"}`, `{"type":"connected"}`, `{"type":""}`, `not json`} {
		w := e.do(t, "POST", "/api/tickets/42/send", body)
		assert.Equal(t, nethttp.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, e.session("42").sentTypes())
}

func TestSendWhileDisconnected(t *testing.T) {
	e := newEnv(t, "")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	w := e.do(t, "POST", "/api/tickets/42/send", `{"type":"voice_call_end"}`)
	assert.Equal(t, nethttp.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode(t, w), "error")
}

func TestRemoteMediaWithoutCall(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)

	assert.Equal(t, nethttp.StatusConflict, e.do(t, "GET", "/api/tickets/42/call/tracks", "").Code)
	assert.Equal(t, nethttp.StatusConflict, e.do(t, "GET", "/api/tickets/42/call/media?kind=audio", "").Code)
	assert.Equal(t, nethttp.StatusBadRequest, e.do(t, "GET", "/api/tickets/42/call/media?kind=screen", "").Code)
}

func TestRemoteMediaStreamsPackets(t *testing.T) {
	e := newEnv(t, "tok")
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/select", "").Code)
	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/call", `{"kind":"voice"}`).Code)

	body := decode(t, e.do(t, "GET", "/api/tickets/42/call/tracks", ""))
	assert.Empty(t, body["tracks"])

	track := e.peers.last().remoteTrack(webrtc.RTPCodecTypeAudio)
	body = decode(t, e.do(t, "GET", "/api/tickets/42/call", ""))
	assert.Equal(t, string(domain.PhaseActive), body["phase"])

	tracks := decode(t, e.do(t, "GET", "/api/tickets/42/call/tracks", ""))["tracks"].([]any)
	require.Len(t, tracks, 1)
	assert.Equal(t, "audio", tracks[0].(map[string]any)["kind"])

	srv := httptest.NewServer(e.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tickets/42/call/media?kind=audio"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 7, PayloadType: 111}, Payload: []byte{1, 2, 3}}
	mt, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(raw))
	assert.Equal(t, uint16(7), pkt.SequenceNumber)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)

	require.Equal(t, nethttp.StatusOK, e.do(t, "POST", "/api/tickets/42/call/hangup", "").Code)
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestRTPSinkDropsWhenFull(t *testing.T) {
	sink := rtpSink{out: make(chan []byte, 1)}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	require.NoError(t, sink.WriteRTP(pkt))
	pkt.SequenceNumber = 2
	require.NoError(t, sink.WriteRTP(pkt))

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(<-sink.out))
	assert.Equal(t, uint16(1), got.SequenceNumber)
	assert.Empty(t, sink.out)
}
