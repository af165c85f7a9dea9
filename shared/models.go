package shared

import (
	"encoding/json"
	"time"
)

// Seat statuses
const (
	SeatAvailable = 0
	SeatHeld      = 1
	SeatBooked    = 2
)

// Seat represents a single seat of one performance
type Seat struct {
	ID        string `json:"id"`
	Row       int    `json:"row"`
	Col       int    `json:"col"`
	Grade     string `json:"grade"`
	Price     int    `json:"price"`
	Status    int    `json:"status"`
	HeldBy    string `json:"held_by,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Frame commands for the WebSocket channel
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FrameSend        = "SEND"
	FrameMessage     = "MESSAGE"
	FrameError       = "ERROR"
)

// Frame is the unit exchanged over the WebSocket channel. SUBSCRIBE
// carries ID and Destination, UNSUBSCRIBE only ID, SEND Destination and
// Body. MESSAGE frames echo the subscription ID that matched.
type Frame struct {
	Command     string          `json:"command"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Session frame types pushed on booking.session.<token>
const (
	SessionFrameStep      = "step"
	SessionFrameQueue     = "queue"
	SessionFrameTime      = "time"
	SessionFrameSeatTaken = "seat_taken"
	SessionFrameRevoked   = "revoked"
)

// SessionFrame is a server push record for one booking session
type SessionFrame struct {
	Type             string `json:"type"`
	Step             string `json:"step,omitempty"`
	Position         int64  `json:"position,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	SeatID           string `json:"seat_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Room event types
const (
	RoomEventMessage = "message"
	RoomEventJoined  = "joined"
	RoomEventLeft    = "left"
	RoomEventKicked  = "kicked"
)

// RoomEvent is what subscribers of room.<kind>.<id> receive
type RoomEvent struct {
	Type   string    `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	Text   string    `json:"text,omitempty"`
	Target string    `json:"target,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// RoomAction is the body a client publishes to app.<kind>.<action>.<id>
type RoomAction struct {
	Text   string `json:"text,omitempty"`
	Target string `json:"target,omitempty"`
}

// SeatEvent represents a seat availability change for NATS pub/sub
type SeatEvent struct {
	Type       string    `json:"type"` // held, released, booked
	ScheduleID int64     `json:"schedule_id"`
	SeatID     string    `json:"seat_id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     int       `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// QueueTicket is returned by queue admission
type QueueTicket struct {
	Token            string `json:"token"`
	Position         int64  `json:"position"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// QueueStatus is the server's view of a queue token. Admitted tokens
// report the time left on the session, waiting ones the queue budget.
type QueueStatus struct {
	Admitted         bool  `json:"admitted"`
	Position         int64 `json:"position,omitempty"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

// HoldRequest asks for a time-boxed hold on seats
type HoldRequest struct {
	ScheduleID int64    `json:"schedule_id"`
	QueueToken string   `json:"queue_token"`
	SeatIDs    []string `json:"seat_ids"`
}

// HeldSeat describes one seat in a granted hold
type HeldSeat struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Grade    string `json:"grade"`
	Price    int    `json:"price"`
}

// Hold is a granted seat hold
type Hold struct {
	ReservationID    int64      `json:"reservation_id"`
	Seats            []HeldSeat `json:"seats"`
	RemainingSeconds int        `json:"remaining_seconds"`
}

// RenewRequest extends the countdown of a session
type RenewRequest struct {
	ScheduleID    int64  `json:"schedule_id"`
	QueueToken    string `json:"queue_token"`
	ReservationID int64  `json:"reservation_id,omitempty"`
}

// Renewal carries the authoritative remaining time
type Renewal struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// LeaveRequest abandons a queue slot or a hold
type LeaveRequest struct {
	ScheduleID    int64  `json:"schedule_id"`
	QueueToken    string `json:"queue_token,omitempty"`
	ReservationID int64  `json:"reservation_id,omitempty"`
}

// ConfirmRequest turns a hold into a booking after payment
type ConfirmRequest struct {
	ReservationID int64  `json:"reservation_id"`
	PaymentRef    string `json:"payment_ref"`
}

// Confirmation is returned once a hold is booked
type Confirmation struct {
	BookingNumber string `json:"booking_number"`
}

// ErrorResponse represents an error message
type ErrorResponse struct {
	Error string `json:"error"`
}
