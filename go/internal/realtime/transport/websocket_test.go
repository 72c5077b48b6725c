package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades /ws/room/<id>, sends one greeting frame, then echoes every text frame back
func echoServer(t *testing.T, gotToken chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/room/r1", func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"roster","users":[]}`)); err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	tokens := make(chan string, 1)
	srv := echoServer(t, tokens)

	dialer := NewWebSocketDialer(srv.URL, DefaultWebSocketConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, Channel{Kind: "room", ID: "r1", AuthToken: "tok"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "tok", <-tokens)

	greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"roster","users":[]}`, string(greeting))

	require.NoError(t, conn.WriteMessage([]byte(`{"type":"chat","message":"hi","client_id":"c1"}`)))
	echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","message":"hi","client_id":"c1"}`, string(echoed))

	pinger, ok := conn.(Pinger)
	require.True(t, ok)
	assert.NoError(t, pinger.Ping())

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestWebSocketDialer_ThroughManager(t *testing.T) {
	tokens := make(chan string, 1)
	srv := echoServer(t, tokens)

	m := NewManager(NewWebSocketDialer(srv.URL, DefaultWebSocketConfig()), DefaultConfig())
	statuses := make(chan Status, 16)
	h := m.Open(context.Background(), Channel{Kind: "room", ID: "r1"}, func(s Status) { statuses <- s })
	defer h.Close()

	recvStatus(t, statuses, StateOpen)
	<-tokens

	select {
	case frame := <-h.Frames():
		assert.JSONEq(t, `{"type":"roster","users":[]}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame forwarded")
	}

	require.NoError(t, h.Send([]byte(`{"type":"chat","message":"yo","client_id":"c2"}`)))
	select {
	case frame := <-h.Frames():
		assert.JSONEq(t, `{"type":"chat","message":"yo","client_id":"c2"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not forwarded")
	}
}

func TestWebSocketDialer_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dialer := NewWebSocketDialer(srv.URL, DefaultWebSocketConfig())
	_, err := dialer.Dial(context.Background(), Channel{Kind: "lobby"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
