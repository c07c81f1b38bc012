package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelServer is a realtime endpoint that records what it receives and
// sends whatever is queued on toClient.
type modelServer struct {
	*httptest.Server
	received chan []byte
	toClient chan []byte
	headers  chan http.Header
}

func newModelServer(t *testing.T) *modelServer {
	t.Helper()
	m := &modelServer{
		received: make(chan []byte, 64),
		toClient: make(chan []byte, 64),
		headers:  make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				m.received <- data
			}
		}()
		for {
			select {
			case data := <-m.toClient:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *modelServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

func (m *modelServer) expect(t *testing.T, eventType EventType) map[string]any {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case data := <-m.received:
			var msg map[string]any
			require.NoError(t, sonic.Unmarshal(data, &msg))
			if msg["type"] == string(eventType) {
				return msg
			}
		case <-deadline:
			t.Fatalf("model got no %s frame", eventType)
			return nil
		}
	}
}

func newRelay(t *testing.T, model *modelServer) (*Server, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	logger := shared.NewNopLogger()
	dialer, err := NewWebsocketDialer(model.wsURL(), "sk-test", AuthHeaderBearer)
	require.NoError(t, err)
	dispatcher, err := tools.NewDispatcher(logger, time.Second)
	require.NoError(t, err)

	srv, err := NewServer(logger, dialer, ServerConfig{
		Primary:    f.primary,
		Backup:     f.backup,
		Dispatcher: dispatcher,
		DrainGrace: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	front := httptest.NewServer(srv)
	t.Cleanup(front.Close)
	return srv, front
}

func dialRelay(t *testing.T, front *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(front.URL, "http") + "/?" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func TestServerRelaysFrames(t *testing.T) {
	model := newModelServer(t)
	srv, front := newRelay(t, model)
	client := dialRelay(t, front, "customer_id=7&customer_name=Grace")

	update := model.expect(t, EventTypeSessionUpdate)
	assert.Equal(t, "You are the hotel desk for Grace (7).", update["session"].(map[string]any)["instructions"])
	assert.Equal(t, "Bearer sk-test", (<-model.headers).Get("Authorization"))

	model.toClient <- []byte(`{"type":"session.created","session":{"id":"s1"}}`)
	assert.Equal(t, "session.created", readJSON(t, client)["type"])

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)))
	appended := model.expect(t, "input_audio_buffer.append")
	assert.Equal(t, "AAAA", appended["audio"])
	assert.Equal(t, 1, srv.Tracker().Count())

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return srv.Tracker().Count() == 0 }, frameTimeout, 10*time.Millisecond)
}

func TestServerShutdownWarnsClients(t *testing.T) {
	model := newModelServer(t)
	srv, front := newRelay(t, model)
	client := dialRelay(t, front, "")
	model.expect(t, EventTypeSessionUpdate)
	require.Eventually(t, func() bool { return srv.Tracker().Count() == 1 }, frameTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.Tracker().Count())

	msg := readJSON(t, client)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "server_shutdown", msg["error"].(map[string]any)["code"])

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServerReportsUnreachableModel(t *testing.T) {
	model := newModelServer(t)
	_, front := newRelay(t, model)
	model.Close()

	client := dialRelay(t, front, "")
	msg := readJSON(t, client)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "upstream_unavailable", msg["error"].(map[string]any)["code"])
}

func TestNewWebsocketDialer(t *testing.T) {
	d, err := NewWebsocketDialer("wss://example.test/v1/realtime", "key", AuthHeaderAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "key", d.Header.Get("api-key"))
	assert.Empty(t, d.Header.Get("Authorization"))

	d, err = NewWebsocketDialer("wss://example.test/v1/realtime", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer key", d.Header.Get("Authorization"))

	_, err = NewWebsocketDialer("", "key", "")
	assert.ErrorIs(t, err, shared.ErrNoEndpoint)
	_, err = NewWebsocketDialer("wss://example.test", "", "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
	_, err = NewWebsocketDialer("wss://example.test", "key", "cookie")
	assert.Error(t, err)
}
