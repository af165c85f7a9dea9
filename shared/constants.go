package shared

import (
	"fmt"
	"strings"
	"time"
)

// Redis key patterns
const (
	RedisKeyScheduleSeats = "schedule:%d:seats"
	RedisKeySeatLock      = "schedule:%d:seat:%s:lock"
	RedisKeyQueue         = "schedule:%d:queue"
	RedisKeyAdmitted      = "schedule:%d:admitted"
	RedisKeySession       = "session:%s"
	RedisKeyReservation   = "reservation:%d"
	RedisKeyReservations  = "reservations:active"
	RedisKeyReservationID = "reservation:seq"
	RedisKeySchedules     = "schedules:known"
)

// Topic keys. Subscriptions address server push streams, publish
// destinations address client actions. Both are dotted so they map 1:1
// onto NATS subjects.
const (
	TopicSessionPrefix = "booking.session."
	TopicSeatsPrefix   = "seats."
	TopicRoomPrefix    = "room."
	ActionPrefix       = "app."
)

// Room kinds multiplexed over the connection.
const (
	RoomChat  = "chat"
	RoomParty = "party"
)

// ScopeBooking addresses booking session actions, app.booking.<action>.<schedule>.
const ScopeBooking = "booking"

// Room actions published by clients.
const (
	ActionSend  = "send"
	ActionJoin  = "join"
	ActionLeave = "leave"
	ActionKick  = "kick"
)

// Timeouts and durations
const (
	RenewalInterval       = 10 * time.Second
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongWait     = 60 * time.Second
	WebSocketPingPeriod   = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessage   = 512 * 1024
	ReconnectCeiling      = 5
	ReconnectDelay        = 5 * time.Second
)

// Venue configuration
const (
	VenueRows  = 10
	VenueCols  = 10
	TotalSeats = VenueRows * VenueCols
)

// API endpoints
const (
	APIEndpointQueue      = "/api/schedules/%d/queue"
	APIEndpointQueueState = "/api/schedules/%d/queue/%s"
	APIEndpointSeats      = "/api/schedules/%d/seats"
	APIEndpointHold       = "/api/holds"
	APIEndpointRenew      = "/api/holds/renew"
	APIEndpointConfirm    = "/api/holds/confirm"
	APIEndpointLeave      = "/api/sessions/leave"
	APIEndpointHealth     = "/health"
	WebSocketEndpoint     = "/ws"
	AuthorizationHeader   = "Authorization"
	BearerPrefix          = "Bearer "
	AccessTokenQueryParam = "access_token"
)

// GetSeatID generates a seat ID from row and column
func GetSeatID(row, col int) string {
	rowLetter := string(rune('A' + row))
	return fmt.Sprintf("%s%d", rowLetter, col+1)
}

// SessionTopic is the server push stream for one queue token.
func SessionTopic(token string) string {
	return TopicSessionPrefix + token
}

// SeatsTopic carries seat availability changes for one schedule.
func SeatsTopic(scheduleID int64) string {
	return fmt.Sprintf("%s%d", TopicSeatsPrefix, scheduleID)
}

// RoomTopic is the subscription key of a chat or party room.
func RoomTopic(kind, roomID string) string {
	return TopicRoomPrefix + kind + "." + roomID
}

// ActionDestination addresses a client action on a room or session.
func ActionDestination(kind, action, id string) string {
	return ActionPrefix + kind + "." + action + "." + id
}

// ParseActionDestination splits "app.<kind>.<action>.<id>". The id may
// itself contain dots.
func ParseActionDestination(dest string) (kind, action, id string, ok bool) {
	if !strings.HasPrefix(dest, ActionPrefix) {
		return "", "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(dest, ActionPrefix), ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
