package booking

// EventKind names a signal the controller raises for the host page.
type EventKind int

const (
	EventStepChanged EventKind = iota
	EventCountdown
	EventQueueAdvanced
	EventSeatTaken
	EventExpired
	EventCancelled
	EventCompleted
	EventPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStepChanged:
		return "step_changed"
	case EventCountdown:
		return "countdown"
	case EventQueueAdvanced:
		return "queue_advanced"
	case EventSeatTaken:
		return "seat_taken"
	case EventExpired:
		return "expired"
	case EventCancelled:
		return "cancelled"
	case EventCompleted:
		return "completed"
	case EventPaymentFailed:
		return "payment_failed"
	default:
		return "unknown"
	}
}

// Event is one controller signal. Only the fields relevant to Kind are set.
type Event struct {
	Kind             EventKind
	Step             Step
	RemainingSeconds int
	Position         int64
	SeatID           string
	ReservationID    int64
	BookingNumber    string
	// Reason says why a session expired: "countdown", "hold_expired",
	// "revoked" or a server supplied reason.
	Reason  string
	Message string
}
