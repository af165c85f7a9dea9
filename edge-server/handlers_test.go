package main

import (
	"encoding/json"
	"testing"
	"time"

	"concert-session/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(broker Broker) (*actionRouter, *fakeLeaver) {
	leaver := &fakeLeaver{calls: make(chan leaveCall, 4)}
	a := newActionRouter(broker, leaver, time.Second, zap.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a, leaver
}

func body(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func lastRoomEvent(t *testing.T, b *memBroker) (string, shared.RoomEvent) {
	t.Helper()
	msg := b.last()
	var ev shared.RoomEvent
	require.NoError(t, json.Unmarshal(msg.data, &ev))
	return msg.subject, ev
}

func TestActions_ChatSendStampsSender(t *testing.T) {
	broker := newMemBroker()
	a, _ := newTestRouter(broker)
	alice := &Client{userID: "alice"}

	dest := shared.ActionDestination(shared.RoomChat, shared.ActionSend, "lobby")
	require.NoError(t, a.handle(alice, dest, body(t, shared.RoomAction{Text: "hi"})))

	subject, ev := lastRoomEvent(t, broker)
	assert.Equal(t, "room.chat.lobby", subject)
	assert.Equal(t, shared.RoomEvent{
		Type:   shared.RoomEventMessage,
		RoomID: "lobby",
		UserID: "alice",
		Text:   "hi",
		SentAt: fixedNow,
	}, ev)

	assert.Error(t, a.handle(alice, dest, body(t, shared.RoomAction{Text: "  "})))
	assert.Error(t, a.handle(alice, dest, json.RawMessage(`{bad`)))
}

func TestActions_PartyKickNeedsOwner(t *testing.T) {
	broker := newMemBroker()
	a, _ := newTestRouter(broker)
	alice := &Client{userID: "alice"}
	bob := &Client{userID: "bob"}
	join := shared.ActionDestination(shared.RoomParty, shared.ActionJoin, "p1")
	kick := shared.ActionDestination(shared.RoomParty, shared.ActionKick, "p1")
	leave := shared.ActionDestination(shared.RoomParty, shared.ActionLeave, "p1")

	require.NoError(t, a.handle(alice, join, nil))
	require.NoError(t, a.handle(bob, join, nil))
	_, ev := lastRoomEvent(t, broker)
	assert.Equal(t, shared.RoomEventJoined, ev.Type)
	assert.Equal(t, "bob", ev.UserID)

	err := a.handle(bob, kick, body(t, shared.RoomAction{Target: "alice"}))
	assert.ErrorIs(t, err, errNotRoomOwner)
	assert.Error(t, a.handle(alice, kick, nil))

	require.NoError(t, a.handle(alice, kick, body(t, shared.RoomAction{Target: "bob"})))
	_, ev = lastRoomEvent(t, broker)
	assert.Equal(t, shared.RoomEventKicked, ev.Type)
	assert.Equal(t, "bob", ev.Target)
	assert.Equal(t, "alice", ev.UserID)

	require.NoError(t, a.handle(alice, leave, nil))
	_, ev = lastRoomEvent(t, broker)
	assert.Equal(t, shared.RoomEventLeft, ev.Type)

	require.NoError(t, a.handle(bob, join, nil))
	require.NoError(t, a.handle(bob, kick, body(t, shared.RoomAction{Target: "carol"})))
}

func TestActions_RejectsNonActionDestinations(t *testing.T) {
	a, _ := newTestRouter(newMemBroker())
	c := &Client{userID: "alice"}

	for _, dest := range []string{"room.chat.lobby", "seats.42", "app.chat", "app.unknown.send.x", "app.chat.shout.lobby", "app.booking.hold.42", "app.booking.leave.abc"} {
		assert.Error(t, a.handle(c, dest, nil), dest)
	}
}

func TestActions_BookingLeaveIsRelayed(t *testing.T) {
	a, leaver := newTestRouter(newMemBroker())
	c := &Client{userID: "alice", rawToken: "raw-jwt"}

	dest := shared.ActionDestination(shared.ScopeBooking, shared.ActionLeave, "42")
	require.NoError(t, a.handle(c, dest, body(t, shared.LeaveRequest{QueueToken: "Q-1", ReservationID: 7001})))
	a.wait()

	select {
	case call := <-leaver.calls:
		assert.Equal(t, "raw-jwt", call.token)
		assert.Equal(t, shared.LeaveRequest{ScheduleID: 42, QueueToken: "Q-1", ReservationID: 7001}, call.req)
	default:
		t.Fatal("leave was not relayed")
	}
}

func TestActions_NoLeaveRelayAfterDrain(t *testing.T) {
	a, leaver := newTestRouter(newMemBroker())
	c := &Client{userID: "alice", rawToken: "raw-jwt"}
	a.wait()

	dest := shared.ActionDestination(shared.ScopeBooking, shared.ActionLeave, "42")
	assert.Error(t, a.handle(c, dest, body(t, shared.LeaveRequest{QueueToken: "Q-1"})))
	a.wait()
	assert.Empty(t, leaver.calls)
}
