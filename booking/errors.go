package booking

import "errors"

// Protocol errors returned by the booking service.
var (
	ErrHoldExpired     = errors.New("hold expired")
	ErrQueueRevoked    = errors.New("queue slot revoked")
	ErrSeatUnavailable = errors.New("seat unavailable")
	ErrRateLimited     = errors.New("renewal quota exceeded")
	ErrUnauthorized    = errors.New("unauthorized")
)

// Controller usage errors.
var (
	ErrNoSchedule    = errors.New("no schedule selected")
	ErrNotQueued     = errors.New("session has no queue token")
	ErrNoReservation = errors.New("session has no reservation")
	ErrSessionReset  = errors.New("session reset while request was in flight")
)

// IsSessionFatal reports whether err ends the session: it must surface
// as an expiry and reset, never a retry.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrHoldExpired) || errors.Is(err, ErrQueueRevoked)
}
