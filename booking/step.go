package booking

import (
	"strings"

	"concert-session/shared"
)

// Step is the position of a session in the booking flow.
type Step int

const (
	StepQueue Step = iota
	StepSeats
	StepDelivery
	StepPayment
	StepComplete
)

var stepNames = [...]string{"queue", "seats", "delivery", "payment", "complete"}

func (s Step) String() string {
	if s < StepQueue || s > StepComplete {
		return "unknown"
	}
	return stepNames[s]
}

// ParseStep reads the wire name of a step.
func ParseStep(name string) (Step, bool) {
	for i, n := range stepNames {
		if n == name {
			return Step(i), true
		}
	}
	return StepQueue, false
}

// holdSensitive reports whether the step runs against the hold clock:
// the ping loop is active and reaching zero expires the session.
func (s Step) holdSensitive() bool {
	return s == StepSeats || s == StepDelivery || s == StepPayment
}

// ScheduleInfo identifies the performance a session books for.
type ScheduleInfo struct {
	ID    int64
	Title string
	Date  string
	Venue string
}

// Session is a snapshot of the controller state.
type Session struct {
	Step             Step
	RemainingSeconds int
	QueueToken       string
	QueuePosition    int64
	ReservationID    int64
	Seats            []shared.HeldSeat
	BookingNumber    string
	Schedule         ScheduleInfo
	Pinging          bool
	CountingDown     bool
}

// BookingNumber derives the confirmation number shown to the user from
// the payment order id.
func BookingNumber(orderID string) string {
	return "BK-" + strings.ToUpper(strings.TrimSpace(orderID))
}
