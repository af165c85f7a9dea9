package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"concert-session/booking"
	"concert-session/config"
	"concert-session/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxSeatsPerHold = 4

var (
	errUnknownSchedule = errors.New("unknown schedule")
	errInvalidRequest  = errors.New("invalid request")
	errNotAdmitted     = errors.New("queue token not admitted yet")
)

// Service implements the booking protocol: queue admission, seat holds,
// renewals, leave and confirmation.
type Service struct {
	store  Store
	push   Pusher
	cfg    config.BookingConfig
	clock  shared.Clock
	logger *zap.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewService(store Store, push Pusher, cfg config.BookingConfig, clock shared.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = shared.RealClock()
	}
	return &Service{
		store:    store,
		push:     push,
		cfg:      cfg,
		clock:    clock,
		logger:   shared.OrNop(logger).Named("booking"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// InitSchedules seeds the seat map of every schedule in ids.
func (s *Service) InitSchedules(ctx context.Context, ids []int64) error {
	seats := venueSeats(shared.VenueRows, shared.VenueCols, sortedGrades(s.cfg.SeatGrades))
	for _, id := range ids {
		if err := s.store.InitSchedule(ctx, id, seats); err != nil {
			return fmt.Errorf("init schedule %d: %w", id, err)
		}
		s.logger.Info("schedule ready", zap.Int64("schedule_id", id), zap.Int("seats", len(seats)))
	}
	return nil
}

func (s *Service) JoinQueue(ctx context.Context, userID string, scheduleID int64) (*shared.QueueTicket, error) {
	if err := s.knownSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := &Ticket{
		Token:      uuid.NewString(),
		ScheduleID: scheduleID,
		UserID:     userID,
		ExpiresAt:  now.Add(s.cfg.QueueBudget),
		LastSeen:   now,
	}
	position, err := s.store.Enqueue(ctx, t)
	if err != nil {
		return nil, err
	}

	s.logger.Info("queued",
		zap.Int64("schedule_id", scheduleID),
		zap.String("user_id", userID),
		zap.String("token", t.Token),
		zap.Int64("position", position))
	return &shared.QueueTicket{
		Token:            t.Token,
		Position:         position,
		RemainingSeconds: remainingSeconds(t.ExpiresAt, now),
	}, nil
}

// QueueStatus reports where a queue token stands: its place in line while
// it waits, the time left on the session once admitted.
func (s *Service) QueueStatus(ctx context.Context, userID string, scheduleID int64, token string) (*shared.QueueStatus, error) {
	t, err := s.ownedTicket(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if t.ScheduleID != scheduleID {
		return nil, fmt.Errorf("%w: token belongs to schedule %d", errInvalidRequest, t.ScheduleID)
	}
	now := s.clock.Now()
	if now.After(t.ExpiresAt) {
		if t.Admitted {
			return nil, booking.ErrHoldExpired
		}
		return nil, booking.ErrQueueRevoked
	}
	if t.Admitted {
		return &shared.QueueStatus{Admitted: true, RemainingSeconds: remainingSeconds(t.ExpiresAt, now)}, nil
	}

	waiting, err := s.store.Waiting(ctx, t.ScheduleID)
	if err != nil {
		return nil, err
	}
	status := &shared.QueueStatus{RemainingSeconds: remainingSeconds(t.ExpiresAt, now)}
	for i, queued := range waiting {
		if queued == t.Token {
			status.Position = int64(i + 1)
			break
		}
	}
	return status, nil
}

func (s *Service) Hold(ctx context.Context, userID string, req shared.HoldRequest) (*shared.Hold, error) {
	seatIDs, err := normalizeSeats(req.SeatIDs)
	if err != nil {
		return nil, err
	}
	t, err := s.ownedTicket(ctx, userID, req.QueueToken)
	if err != nil {
		return nil, err
	}
	if t.ScheduleID != req.ScheduleID {
		return nil, fmt.Errorf("%w: token belongs to schedule %d", errInvalidRequest, t.ScheduleID)
	}
	if !t.Admitted {
		return nil, errNotAdmitted
	}
	now := s.clock.Now()
	if now.After(t.ExpiresAt) {
		return nil, booking.ErrHoldExpired
	}

	if t.ReservationID != 0 {
		if err := s.releaseReservation(ctx, t.ReservationID); err != nil {
			return nil, err
		}
		t.ReservationID = 0
	}

	deadline := s.holdDeadline(t, now)
	if !deadline.After(now) {
		return nil, booking.ErrHoldExpired
	}
	id, err := s.store.NextReservationID(ctx)
	if err != nil {
		return nil, err
	}
	seats, err := s.store.LockSeats(ctx, t.ScheduleID, seatIDs, t.Token, deadline.Sub(now))
	switch {
	case errors.Is(err, errSeatTaken):
		return nil, fmt.Errorf("%w: %v", booking.ErrSeatUnavailable, err)
	case errors.Is(err, errNotFound):
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	case err != nil:
		return nil, err
	}

	r := &Reservation{
		ID:         id,
		ScheduleID: t.ScheduleID,
		Token:      t.Token,
		UserID:     userID,
		SeatIDs:    seatIDs,
		ExpiresAt:  deadline,
	}
	if err := s.store.SaveReservation(ctx, r); err != nil {
		_ = s.store.ReleaseSeats(ctx, t.ScheduleID, seatIDs, t.Token)
		return nil, err
	}
	t.ReservationID = id
	t.ExpiresAt = r.ExpiresAt
	t.LastSeen = now
	if err := s.store.SaveTicket(ctx, t); err != nil {
		return nil, err
	}

	hold := &shared.Hold{ReservationID: id, RemainingSeconds: remainingSeconds(r.ExpiresAt, now)}
	for _, seat := range seats {
		hold.Seats = append(hold.Seats, shared.HeldSeat{
			ID:       seat.ID,
			Location: seatLocation(seat),
			Grade:    seat.Grade,
			Price:    seat.Price,
		})
		s.push.PushSeat(shared.SeatEvent{
			Type:       "held",
			ScheduleID: t.ScheduleID,
			SeatID:     seat.ID,
			UserID:     userID,
			Status:     shared.SeatHeld,
			Timestamp:  now,
		})
	}
	s.logger.Info("seats held",
		zap.Int64("reservation_id", id),
		zap.String("token", t.Token),
		zap.Strings("seats", seatIDs))
	return hold, nil
}

// Renew records that the session is alive, pushes the deadline of an
// admitted session out by another hold period, and returns the
// authoritative remaining time. Renewals never move the deadline past
// MaxHoldDuration after admission.
func (s *Service) Renew(ctx context.Context, userID string, req shared.RenewRequest) (*shared.Renewal, error) {
	t, err := s.ownedTicket(ctx, userID, req.QueueToken)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !s.allowRenewal(t.Token, now) {
		return nil, booking.ErrRateLimited
	}
	if now.After(t.ExpiresAt) {
		return nil, booking.ErrHoldExpired
	}
	if req.ReservationID != 0 && req.ReservationID != t.ReservationID {
		return nil, booking.ErrHoldExpired
	}

	t.LastSeen = now
	if t.Admitted {
		if err := s.extendHold(ctx, t, now); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveTicket(ctx, t); err != nil {
		return nil, err
	}
	return &shared.Renewal{RemainingSeconds: remainingSeconds(t.ExpiresAt, now)}, nil
}

// holdDeadline is one hold period from now, capped at MaxHoldDuration
// after t was admitted.
func (s *Service) holdDeadline(t *Ticket, now time.Time) time.Time {
	deadline := now.Add(s.cfg.HoldDuration)
	maxHold := s.cfg.MaxHoldDuration
	if maxHold < s.cfg.HoldDuration {
		maxHold = s.cfg.HoldDuration
	}
	if !t.AdmittedAt.IsZero() {
		if limit := t.AdmittedAt.Add(maxHold); deadline.After(limit) {
			deadline = limit
		}
	}
	return deadline
}

// extendHold moves t's deadline, and that of its reservation and seat
// locks, to one hold period from now, capped at MaxHoldDuration after
// admission.
func (s *Service) extendHold(ctx context.Context, t *Ticket, now time.Time) error {
	deadline := s.holdDeadline(t, now)
	if !deadline.After(t.ExpiresAt) {
		return nil
	}

	if t.ReservationID != 0 {
		r, err := s.store.Reservation(ctx, t.ReservationID)
		if errors.Is(err, errNotFound) {
			return booking.ErrHoldExpired
		}
		if err != nil {
			return err
		}
		err = s.store.ExtendSeats(ctx, r.ScheduleID, r.SeatIDs, r.Token, deadline.Sub(now))
		if errors.Is(err, errSeatTaken) || errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: %v", booking.ErrHoldExpired, err)
		}
		if err != nil {
			return err
		}
		r.ExpiresAt = deadline
		if err := s.store.SaveReservation(ctx, r); err != nil {
			return err
		}
	}
	t.ExpiresAt = deadline
	return nil
}

// Leave abandons a queue slot or a hold. Leaving twice, or leaving a
// session that is already gone, succeeds.
func (s *Service) Leave(ctx context.Context, userID string, req shared.LeaveRequest) error {
	if req.QueueToken != "" {
		t, err := s.ownedTicket(ctx, userID, req.QueueToken)
		switch {
		case err == nil:
			s.logger.Info("session left", zap.String("token", t.Token), zap.Int64("schedule_id", t.ScheduleID))
			return s.endSession(ctx, t)
		case !errors.Is(err, booking.ErrQueueRevoked):
			return err
		}
	}
	if req.ReservationID == 0 {
		return nil
	}

	r, err := s.store.Reservation(ctx, req.ReservationID)
	if errors.Is(err, errNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return booking.ErrQueueRevoked
	}
	return s.releaseReservation(ctx, r.ID)
}

// Confirm books the held seats once payment went through.
func (s *Service) Confirm(ctx context.Context, userID string, req shared.ConfirmRequest) (*shared.Confirmation, error) {
	if req.PaymentRef == "" {
		return nil, fmt.Errorf("%w: payment_ref is required", errInvalidRequest)
	}
	r, err := s.store.Reservation(ctx, req.ReservationID)
	if errors.Is(err, errNotFound) {
		return nil, booking.ErrHoldExpired
	}
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, booking.ErrQueueRevoked
	}
	if r.BookingNumber != "" {
		return &shared.Confirmation{BookingNumber: r.BookingNumber}, nil
	}
	now := s.clock.Now()
	if now.After(r.ExpiresAt) {
		return nil, booking.ErrHoldExpired
	}

	if err := s.store.BookSeats(ctx, r.ScheduleID, r.SeatIDs, r.Token); err != nil {
		if errors.Is(err, errSeatTaken) || errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: %v", booking.ErrHoldExpired, err)
		}
		return nil, err
	}
	r.BookingNumber = booking.BookingNumber(req.PaymentRef)
	if err := s.store.SaveReservation(ctx, r); err != nil {
		return nil, err
	}
	if t, err := s.store.Ticket(ctx, r.Token); err == nil {
		if err := s.store.DropTicket(ctx, t); err != nil {
			s.logger.Warn("drop confirmed ticket", zap.String("token", t.Token), zap.Error(err))
		}
	}
	s.forgetLimiter(r.Token)

	for _, seatID := range r.SeatIDs {
		s.push.PushSeat(shared.SeatEvent{
			Type:       "booked",
			ScheduleID: r.ScheduleID,
			SeatID:     seatID,
			UserID:     userID,
			Status:     shared.SeatBooked,
			Timestamp:  now,
		})
	}
	s.logger.Info("booking confirmed",
		zap.Int64("reservation_id", r.ID),
		zap.String("booking_number", r.BookingNumber))
	return &shared.Confirmation{BookingNumber: r.BookingNumber}, nil
}

func (s *Service) Seats(ctx context.Context, scheduleID int64) ([]shared.Seat, error) {
	seats, err := s.store.Seats(ctx, scheduleID)
	if errors.Is(err, errNotFound) {
		return nil, errUnknownSchedule
	}
	return seats, err
}

// AdmitTick admits the head of every queue and tells the sessions still
// waiting where they stand. Tickets whose queue budget ran out are
// revoked.
func (s *Service) AdmitTick(ctx context.Context) error {
	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	for _, scheduleID := range schedules {
		waiting, err := s.store.Waiting(ctx, scheduleID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		admitted := 0
		var position int64
		for _, token := range waiting {
			t, err := s.store.Ticket(ctx, token)
			if errors.Is(err, errNotFound) {
				_ = s.store.DropTicket(ctx, &Ticket{Token: token, ScheduleID: scheduleID})
				continue
			}
			if err != nil {
				return err
			}

			switch {
			case now.After(t.ExpiresAt):
				s.revoke(ctx, t, "queue_timeout")
			case admitted < s.cfg.AdmitPerTick:
				t.Admitted = true
				t.AdmittedAt = now
				t.ExpiresAt = now.Add(s.cfg.HoldDuration)
				t.LastSeen = now
				if err := s.store.Admit(ctx, t); err != nil {
					return err
				}
				admitted++
				s.push.PushSession(t.Token, shared.SessionFrame{
					Type:             shared.SessionFrameStep,
					Step:             booking.StepSeats.String(),
					RemainingSeconds: remainingSeconds(t.ExpiresAt, now),
				})
			default:
				position++
				s.push.PushSession(t.Token, shared.SessionFrame{Type: shared.SessionFrameQueue, Position: position})
			}
		}
		if admitted > 0 {
			s.logger.Info("admitted", zap.Int64("schedule_id", scheduleID), zap.Int("count", admitted), zap.Int64("waiting", position))
		}
	}
	return nil
}

// SweepTick releases reservations past their deadline, then revokes
// admitted sessions whose hold ran out or that stopped renewing.
func (s *Service) SweepTick(ctx context.Context) error {
	if err := s.sweepReservations(ctx); err != nil {
		return err
	}
	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	idle := 3 * s.cfg.RenewalInterval
	for _, scheduleID := range schedules {
		tokens, err := s.store.Admitted(ctx, scheduleID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		released := 0
		for _, token := range tokens {
			t, err := s.store.Ticket(ctx, token)
			if errors.Is(err, errNotFound) {
				_ = s.store.DropTicket(ctx, &Ticket{Token: token, ScheduleID: scheduleID})
				continue
			}
			if err != nil {
				return err
			}

			switch {
			case now.After(t.ExpiresAt):
				s.revoke(ctx, t, "hold_expired")
				released++
			case idle > 0 && now.Sub(t.LastSeen) > idle:
				s.revoke(ctx, t, "idle")
				released++
			}
		}
		if released > 0 {
			s.logger.Info("released expired sessions", zap.Int64("schedule_id", scheduleID), zap.Int("count", released))
		}
	}
	return nil
}

// sweepReservations walks the reservation deadline index. A reservation
// whose ticket is gone is released on its own.
func (s *Service) sweepReservations(ctx context.Context) error {
	now := s.clock.Now()
	ids, err := s.store.ExpiredReservations(ctx, now)
	if err != nil {
		return err
	}
	released := 0
	for _, id := range ids {
		r, err := s.store.Reservation(ctx, id)
		if errors.Is(err, errNotFound) {
			_ = s.store.DeleteReservation(ctx, id)
			continue
		}
		if err != nil {
			return err
		}
		if r.BookingNumber != "" || !now.After(r.ExpiresAt) {
			continue
		}

		t, err := s.store.Ticket(ctx, r.Token)
		switch {
		case err == nil && t.ReservationID == r.ID:
			s.revoke(ctx, t, "hold_expired")
		case err == nil || errors.Is(err, errNotFound):
			if err := s.releaseReservation(ctx, r.ID); err != nil {
				s.logger.Warn("release expired reservation", zap.Int64("reservation_id", r.ID), zap.Error(err))
				continue
			}
		default:
			return err
		}
		released++
	}
	if released > 0 {
		s.logger.Info("released expired holds", zap.Int("count", released))
	}
	return nil
}

func (s *Service) revoke(ctx context.Context, t *Ticket, reason string) {
	if err := s.endSession(ctx, t); err != nil {
		s.logger.Warn("revoke session", zap.String("token", t.Token), zap.Error(err))
		return
	}
	s.push.PushSession(t.Token, shared.SessionFrame{Type: shared.SessionFrameRevoked, Reason: reason})
	s.logger.Info("session revoked", zap.String("token", t.Token), zap.String("reason", reason))
}

func (s *Service) endSession(ctx context.Context, t *Ticket) error {
	if t.ReservationID != 0 {
		if err := s.releaseReservation(ctx, t.ReservationID); err != nil {
			return err
		}
	}
	s.forgetLimiter(t.Token)
	return s.store.DropTicket(ctx, t)
}

// releaseReservation frees the seats of an unconfirmed reservation.
func (s *Service) releaseReservation(ctx context.Context, id int64) error {
	r, err := s.store.Reservation(ctx, id)
	if errors.Is(err, errNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.BookingNumber != "" {
		return nil
	}
	if err := s.store.ReleaseSeats(ctx, r.ScheduleID, r.SeatIDs, r.Token); err != nil {
		return err
	}
	if err := s.store.DeleteReservation(ctx, id); err != nil {
		return err
	}

	now := s.clock.Now()
	for _, seatID := range r.SeatIDs {
		s.push.PushSeat(shared.SeatEvent{
			Type:       "released",
			ScheduleID: r.ScheduleID,
			SeatID:     seatID,
			UserID:     r.UserID,
			Status:     shared.SeatAvailable,
			Timestamp:  now,
		})
	}
	return nil
}

func (s *Service) ownedTicket(ctx context.Context, userID, token string) (*Ticket, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: queue_token is required", errInvalidRequest)
	}
	t, err := s.store.Ticket(ctx, token)
	if errors.Is(err, errNotFound) {
		return nil, booking.ErrQueueRevoked
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, booking.ErrQueueRevoked
	}
	return t, nil
}

func (s *Service) knownSchedule(ctx context.Context, scheduleID int64) error {
	ids, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == scheduleID {
			return nil
		}
	}
	return errUnknownSchedule
}

// allowRenewal enforces the per-session renewal quota.
func (s *Service) allowRenewal(token string, now time.Time) bool {
	s.limMu.Lock()
	lim, ok := s.limiters[token]
	if !ok {
		perMin := s.cfg.RenewalsPerMin
		if perMin <= 0 {
			perMin = 12
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 2)
		s.limiters[token] = lim
	}
	s.limMu.Unlock()
	return lim.AllowN(now, 1)
}

func (s *Service) forgetLimiter(token string) {
	s.limMu.Lock()
	delete(s.limiters, token)
	s.limMu.Unlock()
}

func normalizeSeats(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: seat_ids is required", errInvalidRequest)
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 || len(out) > maxSeatsPerHold {
		return nil, fmt.Errorf("%w: hold between 1 and %d seats", errInvalidRequest, maxSeatsPerHold)
	}
	return out, nil
}

func remainingSeconds(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
