package main

import (
	"encoding/json"
	"testing"

	"concert-session/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(h *Hub, id, userID string) *Client {
	return &Client{
		hub:    h,
		logger: zap.NewNop(),
		send:   make(chan []byte, 8),
		id:     id,
		userID: userID,
		subs:   make(map[string]string),
	}
}

func nextFrame(t *testing.T, c *Client) shared.Frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var f shared.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	default:
		t.Fatalf("no frame queued for %s", c.id)
		return shared.Frame{}
	}
}

func TestHub_RefcountsBrokerSubscriptions(t *testing.T) {
	broker := newMemBroker()
	h := newHub(broker, zap.NewNop())
	c1 := newTestClient(h, "c1", "alice")
	c2 := newTestClient(h, "c2", "bob")
	h.register(c1)
	h.register(c2)

	require.NoError(t, h.subscribe(c1, "s1", "seats.42"))
	require.NoError(t, h.subscribe(c2, "s2", "seats.42"))
	assert.ErrorIs(t, h.subscribe(c1, "s1", "seats.42"), errDuplicateSub)
	subs, unsubs := broker.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	require.NoError(t, broker.Publish("seats.42", []byte(`{"seat_id":"A1"}`)))
	f1 := nextFrame(t, c1)
	assert.Equal(t, shared.FrameMessage, f1.Command)
	assert.Equal(t, "s1", f1.ID)
	assert.Equal(t, "seats.42", f1.Destination)
	assert.JSONEq(t, `{"seat_id":"A1"}`, string(f1.Body))
	assert.Equal(t, "s2", nextFrame(t, c2).ID)

	h.unsubscribe(c1, "s1")
	h.unsubscribe(c1, "s1")
	_, unsubs = broker.counts()
	assert.Equal(t, 0, unsubs)

	stats := h.GetStats()
	assert.Equal(t, 2, stats.TotalClients)
	assert.Equal(t, 1, stats.Destinations)
	assert.Equal(t, 1, stats.Subscriptions)
	assert.Equal(t, int64(1), stats.TotalMessages)

	h.unregister(c2)
	_, unsubs = broker.counts()
	assert.Equal(t, 1, unsubs)
	_, ok := <-c2.send
	assert.False(t, ok)
	assert.ErrorIs(t, h.subscribe(c2, "s3", "seats.42"), errClientGone)

	h.unregister(c2)
	assert.Equal(t, 1, h.GetStats().TotalClients)
}

func TestHub_SameClientTwoSubscriptions(t *testing.T) {
	broker := newMemBroker()
	h := newHub(broker, zap.NewNop())
	c := newTestClient(h, "c1", "alice")
	h.register(c)

	require.NoError(t, h.subscribe(c, "a", "room.chat.lobby"))
	require.NoError(t, h.subscribe(c, "b", "room.chat.lobby"))

	require.NoError(t, broker.Publish("room.chat.lobby", []byte("plain text")))
	ids := []string{nextFrame(t, c).ID, nextFrame(t, c).ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	h.unsubscribe(c, "a")
	require.NoError(t, broker.Publish("room.chat.lobby", []byte("plain text")))
	f := nextFrame(t, c)
	assert.Equal(t, "b", f.ID)
	assert.Equal(t, `"plain text"`, string(f.Body))

	h.unregister(c)
	subs, unsubs := broker.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)
}
