package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

const testOrigin = "http://localhost:8080"

// startHTTP serves srv's routes on an httptest server.
func startHTTP(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// wsClient is a WebSocket client speaking the envelope protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server, origin string) (*wsClient, *http.Response, error) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: readTimeout}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(wsURL(ts), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}, resp, nil
}

func connectWS(t *testing.T, ts *httptest.Server, nick string) *wsClient {
	t.Helper()

	c, _, err := dialWS(t, ts, testOrigin)
	require.NoError(t, err)
	c.expect(protocol.EventNickRequest)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(nick)))
	c.expect(protocol.EventNickAccepted)
	return c
}

func (c *wsClient) send(cmd protocol.Command) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(cmd))
}

func (c *wsClient) expect(typ protocol.EventType) protocol.Event {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	ev, err := protocol.DecodeEvent(data)
	require.NoError(c.t, err)
	require.Equal(c.t, typ, ev.Type, "unexpected event %q: %q", ev.Type, ev.Content)
	return ev
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// TestHealthHandler tests the health check endpoint. It verifies that the
// endpoint returns 200 with the expected text body.
func TestHealthHandler(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	for _, path := range []string{"/", "/health"} {
		resp, body := getBody(t, ts.URL+path)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "RelayChat server is running!", body)
	}
}

func TestTestPageHandler(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	resp, body := getBody(t, ts.URL+"/test")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "NICK_REQUEST")
}

func TestWebSocketRejectsNonGET(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/ws", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestWebSocketOriginCheck tests the origin policy on the gateway. It
// verifies that allowed origins upgrade and missing or foreign origins get
// 403.
func TestWebSocketOriginCheck(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	_, _, err := dialWS(t, ts, testOrigin)
	assert.NoError(t, err)

	for _, origin := range []string{"", "http://evil.example"} {
		_, resp, err := dialWS(t, ts, origin)
		require.Error(t, err, "origin %q", origin)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

// TestWebSocketAndTCPShareRooms verifies that WebSocket and TCP clients
// exchange room messages through the same Directory.
func TestWebSocketAndTCPShareRooms(t *testing.T) {
	srv := startServer(t, testConfig(), nil)
	ts := startHTTP(t, srv)

	web := connectWS(t, ts, "webby")
	tcp := connect(t, srv, "tcpy")

	web.send(cmd(protocol.CmdJoin, "general"))
	web.expect(protocol.EventRoomJoined)
	tcp.join("general")
	web.expect(protocol.EventUserJoined)

	tcp.send(cmd(protocol.CmdMsg, "hello web"))
	assert.Equal(t, "tcpy: hello web", web.expect(protocol.EventPublicMsg).Content)
	tcp.expect(protocol.EventPublicMsg)

	web.send(cmd(protocol.CmdMsg, "tcpy: hello tcp"))
	assert.Equal(t, "Private from webby: hello tcp", tcp.expect(protocol.EventPrivateMsg).Content)
	web.expect(protocol.EventPrivateMsg)

	require.NoError(t, web.conn.Close())
	assert.Equal(t, "webby left the room", tcp.expect(protocol.EventUserLeft).Content)
}

func TestWebSocketMessageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 256
	cfg.MaxFileSize = 128
	srv := New(cfg, nil)
	ts := startHTTP(t, srv)

	c := connectWS(t, ts, "alice")
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))

	waitFor(t, func() bool { return srv.Directory().Count() == 0 })
}

func TestWebSocketConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv := New(cfg, nil)
	ts := startHTTP(t, srv)

	connectWS(t, ts, "alice")

	_, resp, err := dialWS(t, ts, testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminRoutesDisabledByDefault(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	resp, _ := getBody(t, ts.URL+"/admin/sessions")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestAdminAPI tests the privileged HTTP API. It verifies listing, messaging,
// room deletion and kicking against a connected client.
func TestAdminAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Enabled = true
	srv := startServer(t, cfg, nil)
	ts := startHTTP(t, srv)

	alice := connect(t, srv, "alice")
	alice.join("general")

	t.Run("sessions", func(t *testing.T) {
		resp, body := getBody(t, ts.URL+"/admin/sessions")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var users []UserEntry
		require.NoError(t, json.Unmarshal([]byte(body), &users))
		assert.Equal(t, []UserEntry{{Nickname: "alice", Room: "general"}}, users)
	})

	t.Run("rooms", func(t *testing.T) {
		_, body := getBody(t, ts.URL+"/admin/rooms")
		var rooms []RoomEntry
		require.NoError(t, json.Unmarshal([]byte(body), &rooms))
		assert.Equal(t, []RoomEntry{{Name: "general", Members: 1}}, rooms)
	})

	t.Run("broadcast", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, ts.URL+"/admin/broadcast", `{"message":"maintenance at noon"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok","count":1}`, body)
		assert.Equal(t, "ADMIN: maintenance at noon", alice.expect(protocol.EventAdminMsg).Content)
	})

	t.Run("broadcast requires message", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/admin/broadcast", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp, _ = doRequest(t, http.MethodPost, ts.URL+"/admin/broadcast", `not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("room broadcast", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/admin/rooms/general/broadcast", `{"message":"hi room"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ADMIN: hi room", alice.expect(protocol.EventAdminMsg).Content)

		resp, _ = doRequest(t, http.MethodPost, ts.URL+"/admin/rooms/missing/broadcast", `{"message":"x"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("message user", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/admin/users/alice/message", `{"message":"psst"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ADMIN: psst", alice.expect(protocol.EventAdminMsg).Content)

		resp, body := doRequest(t, http.MethodPost, ts.URL+"/admin/users/bob/message", `{"message":"psst"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, body, "user not found")
	})

	t.Run("delete room", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodDelete, ts.URL+"/admin/rooms/general", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Room 'general' has been deleted by an administrator.", alice.expect(protocol.EventAdminMsg).Content)
		assert.Empty(t, srv.Directory().RoomOf(mustLookup(t, srv, "alice")))
	})

	t.Run("clear rooms", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodDelete, ts.URL+"/admin/rooms", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok","count":0}`, body)
	})

	t.Run("kick", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodDelete, ts.URL+"/admin/users/alice", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "You have been kicked by an administrator.", alice.expect(protocol.EventAdminMsg).Content)
		alice.expectClosed()

		resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/admin/users/alice", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("kick all", func(t *testing.T) {
		bob := connect(t, srv, "bob")
		resp, body := doRequest(t, http.MethodDelete, ts.URL+"/admin/users", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok","count":1}`, body)
		assert.Equal(t, "Server maintenance. All users disconnected.", bob.expect(protocol.EventAdminMsg).Content)
		bob.expectClosed()
	})
}

func mustLookup(t *testing.T, srv *Server, nick string) *Session {
	t.Helper()
	s, ok := srv.Directory().Lookup(nick)
	require.True(t, ok)
	return s
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	srv := startServer(t, testConfig(), nil,
		WithMetrics(metrics.NewPrometheus(reg)),
		WithMetricsHandler(metrics.Handler(reg)),
	)
	ts := startHTTP(t, srv)

	alice := connect(t, srv, "alice")
	alice.send(cmd(protocol.CmdList, ""))
	alice.expect(protocol.EventListResponse)

	resp, body := getBody(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `relaychat_connections_accepted_total{transport="tcp"} 1`)
	assert.Contains(t, body, `relaychat_commands_total{command="LIST",status="ok"} 1`)
	assert.Contains(t, body, "relaychat_active_sessions 1")
}

func TestMetricsRouteAbsentWithoutHandler(t *testing.T) {
	ts := startHTTP(t, New(testConfig(), nil))

	resp, _ := getBody(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
