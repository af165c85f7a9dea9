package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"concert-session/shared"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayStub accepts one socket and hands the frames it reads to the test.
type gatewayStub struct {
	auth   chan string
	frames chan shared.Frame
	conns  chan *websocket.Conn
}

func newGatewayStub(t *testing.T) (*gatewayStub, string) {
	t.Helper()
	g := &gatewayStub{
		auth:   make(chan string, 1),
		frames: make(chan shared.Frame, 16),
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(shared.AuthorizationHeader) == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		g.auth <- r.Header.Get(shared.AuthorizationHeader)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- ws
		for {
			var f shared.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			g.frames <- f
		}
	}))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (g *gatewayStub) next(t *testing.T) shared.Frame {
	t.Helper()
	select {
	case f := <-g.frames:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame from client")
		return shared.Frame{}
	}
}

func TestWSTransport_FrameRoundTrip(t *testing.T) {
	g, url := newGatewayStub(t)
	transport := NewWSTransport(url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := transport.Dial(ctx, "secret")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer secret", <-g.auth)
	server := <-g.conns

	got := make(chan Message, 1)
	binding, err := conn.Subscribe("booking.session.Q-1", func(m Message) { got <- m })
	require.NoError(t, err)

	sub := g.next(t)
	assert.Equal(t, shared.FrameSubscribe, sub.Command)
	assert.Equal(t, "booking.session.Q-1", sub.Destination)
	require.NotEmpty(t, sub.ID)

	body := json.RawMessage(`{"type":"time","remaining_seconds":180}`)
	require.NoError(t, server.WriteJSON(shared.Frame{Command: shared.FrameMessage, ID: sub.ID, Body: body}))

	select {
	case m := <-got:
		assert.Equal(t, "booking.session.Q-1", m.Topic)
		var frame shared.SessionFrame
		require.NoError(t, m.Decode(&frame))
		assert.Equal(t, 180, frame.RemainingSeconds)
	case <-time.After(waitFor):
		t.Fatal("message not routed to handler")
	}

	require.NoError(t, conn.Publish("app.chat.send.1", []byte(`{"text":"hi"}`)))
	send := g.next(t)
	assert.Equal(t, shared.FrameSend, send.Command)
	assert.Equal(t, "app.chat.send.1", send.Destination)
	assert.JSONEq(t, `{"text":"hi"}`, string(send.Body))

	require.NoError(t, binding.Unsubscribe())
	unsub := g.next(t)
	assert.Equal(t, shared.FrameUnsubscribe, unsub.Command)
	assert.Equal(t, sub.ID, unsub.ID)
}

func TestWSTransport_ServerCloseEndsConn(t *testing.T) {
	g, url := newGatewayStub(t)
	conn, err := NewWSTransport(url, nil).Dial(context.Background(), "secret")
	require.NoError(t, err)
	<-g.auth
	server := <-g.conns

	server.Close()

	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("conn did not notice the closed socket")
	}
	assert.Error(t, conn.Err())
	assert.ErrorIs(t, conn.Publish("x", nil), ErrConnClosed)
}

func TestWSTransport_RejectedHandshake(t *testing.T) {
	_, url := newGatewayStub(t)

	_, err := NewWSTransport(url, nil).Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestWSTransport_ManagerIntegration(t *testing.T) {
	g, url := newGatewayStub(t)
	m := NewManager(NewWSTransport(url, nil), StaticToken("secret"), DefaultConfig())
	defer m.Disconnect()

	m.Subscribe("seats.42", func(Message) {})
	m.Connect()
	waitState(t, m, StateConnected)
	<-g.auth

	f := g.next(t)
	assert.Equal(t, shared.FrameSubscribe, f.Command)
	assert.Equal(t, "seats.42", f.Destination)
}
