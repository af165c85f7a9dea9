package shared

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSeatID(t *testing.T) {
	assert.Equal(t, "A1", GetSeatID(0, 0))
	assert.Equal(t, "B2", GetSeatID(1, 1))
	assert.Equal(t, "J10", GetSeatID(9, 9))
}

func TestTopicKeys(t *testing.T) {
	assert.Equal(t, "booking.session.Q-1", SessionTopic("Q-1"))
	assert.Equal(t, "seats.42", SeatsTopic(42))
	assert.Equal(t, "room.chat.7", RoomTopic(RoomChat, "7"))
	assert.Equal(t, "app.party.kick.9", ActionDestination(RoomParty, ActionKick, "9"))
}

func TestParseActionDestination(t *testing.T) {
	cases := []struct {
		dest   string
		kind   string
		action string
		id     string
		ok     bool
	}{
		{dest: "app.chat.send.12", kind: "chat", action: "send", id: "12", ok: true},
		{dest: "app.booking.leave.42", kind: "booking", action: "leave", id: "42", ok: true},
		{dest: "app.party.join.a.b", kind: "party", action: "join", id: "a.b", ok: true},
		{dest: "room.chat.12"},
		{dest: "app.chat.send"},
		{dest: "app..send.1"},
	}

	for _, tc := range cases {
		t.Run(tc.dest, func(t *testing.T) {
			kind, action, id, ok := ParseActionDestination(tc.dest)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.id, id)
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	raw, err := IssueToken(secret, "fan-1", time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(secret, raw)
	require.NoError(t, err)
	assert.Equal(t, "fan-1", claims.UserID)

	_, err = ParseToken([]byte("other"), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := BearerFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set(AuthorizationHeader, "Bearer abc")
	tok, err := BearerFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r = httptest.NewRequest("GET", "/ws?access_token=xyz", nil)
	tok, err = BearerFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)
}
