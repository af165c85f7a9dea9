package realtime

import (
	"encoding/json"
	"testing"

	"concert-session/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePubSub struct {
	handlers  map[string]Handler
	published []published
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string]Handler)}
}

func (f *fakePubSub) Subscribe(topic string, h Handler) func() {
	f.handlers[topic] = h
	return func() { delete(f.handlers, topic) }
}

func (f *fakePubSub) Publish(topic string, payload any) {
	body, _ := json.Marshal(payload)
	f.published = append(f.published, published{topic: topic, body: body})
}

func TestRoom_Lifecycle(t *testing.T) {
	ps := newFakePubSub()
	room := NewRoom(ps, shared.RoomParty, "carpool-12", nil)

	var events []shared.RoomEvent
	room.Join(func(ev shared.RoomEvent) { events = append(events, ev) })
	room.Join(func(shared.RoomEvent) { t.Error("second join must not replace the handler") })

	require.Contains(t, ps.handlers, "room.party.carpool-12")
	require.Len(t, ps.published, 1)
	assert.Equal(t, "app.party.join.carpool-12", ps.published[0].topic)

	ps.handlers["room.party.carpool-12"](Message{Body: []byte(`{"type":"message","user_id":"u2","text":"leaving at 6"}`)})
	ps.handlers["room.party.carpool-12"](Message{Body: []byte(`not json`)})
	require.Len(t, events, 1)
	assert.Equal(t, "leaving at 6", events[0].Text)

	room.Send("see you")
	room.Kick("u3")
	assert.Equal(t, "app.party.send.carpool-12", ps.published[1].topic)
	assert.JSONEq(t, `{"text":"see you"}`, string(ps.published[1].body))
	assert.Equal(t, "app.party.kick.carpool-12", ps.published[2].topic)
	assert.JSONEq(t, `{"target":"u3"}`, string(ps.published[2].body))

	room.Leave()
	room.Leave()
	assert.Empty(t, ps.handlers)
	require.Len(t, ps.published, 4)
	assert.Equal(t, "app.party.leave.carpool-12", ps.published[3].topic)
}

func TestRoom_LeaveWithoutJoin(t *testing.T) {
	ps := newFakePubSub()
	NewRoom(ps, shared.RoomChat, "1", nil).Leave()
	assert.Empty(t, ps.published)
}
