package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"concert-session/shared"
)

// memStore is an in-memory Store for service and handler tests.
type memStore struct {
	mu           sync.Mutex
	seats        map[int64]map[string]shared.Seat
	queue        map[int64][]string
	admitted     map[int64][]string
	tickets      map[string]Ticket
	reservations map[int64]Reservation
	seq          int64
	extended     int
	pingErr      error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		seats:        make(map[int64]map[string]shared.Seat),
		queue:        make(map[int64][]string),
		admitted:     make(map[int64][]string),
		tickets:      make(map[string]Ticket),
		reservations: make(map[int64]Reservation),
	}
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) InitSchedule(_ context.Context, scheduleID int64, seats []shared.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seats[scheduleID]; ok {
		return nil
	}
	byID := make(map[string]shared.Seat, len(seats))
	for _, seat := range seats {
		byID[seat.ID] = seat
	}
	m.seats[scheduleID] = byID
	return nil
}

func (m *memStore) Schedules(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.seats))
	for id := range m.seats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) Seats(_ context.Context, scheduleID int64) ([]shared.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.seats[scheduleID]
	if !ok {
		return nil, errNotFound
	}
	out := make([]shared.Seat, 0, len(byID))
	for _, seat := range byID {
		out = append(out, seat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, nil
}

func (m *memStore) seat(scheduleID int64, seatID string) shared.Seat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[scheduleID][seatID]
}

func (m *memStore) Enqueue(_ context.Context, t *Ticket) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.Token] = *t
	m.queue[t.ScheduleID] = append(m.queue[t.ScheduleID], t.Token)
	return int64(len(m.queue[t.ScheduleID])), nil
}

func (m *memStore) Ticket(_ context.Context, token string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[token]
	if !ok {
		return nil, errNotFound
	}
	return &t, nil
}

func (m *memStore) SaveTicket(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.Token] = *t
	return nil
}

func (m *memStore) Waiting(_ context.Context, scheduleID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queue[scheduleID]...), nil
}

func (m *memStore) Admitted(_ context.Context, scheduleID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.admitted[scheduleID]...), nil
}

func (m *memStore) Admit(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[t.ScheduleID] = without(m.queue[t.ScheduleID], t.Token)
	m.admitted[t.ScheduleID] = append(without(m.admitted[t.ScheduleID], t.Token), t.Token)
	m.tickets[t.Token] = *t
	return nil
}

func (m *memStore) DropTicket(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[t.ScheduleID] = without(m.queue[t.ScheduleID], t.Token)
	m.admitted[t.ScheduleID] = without(m.admitted[t.ScheduleID], t.Token)
	delete(m.tickets, t.Token)
	return nil
}

func (m *memStore) NextReservationID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *memStore) LockSeats(_ context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) ([]shared.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.seats[scheduleID]
	for _, id := range seatIDs {
		seat, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("seat %s: %w", id, errNotFound)
		}
		if seat.Status == shared.SeatBooked || (seat.Status == shared.SeatHeld && seat.HeldBy != owner) {
			return nil, fmt.Errorf("%w: %s", errSeatTaken, id)
		}
	}
	out := make([]shared.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		seat := byID[id]
		seat.Status = shared.SeatHeld
		seat.HeldBy = owner
		byID[id] = seat
		out = append(out, seat)
	}
	return out, nil
}

func (m *memStore) ReleaseSeats(_ context.Context, scheduleID int64, seatIDs []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.seats[scheduleID]
	for _, id := range seatIDs {
		seat := byID[id]
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			continue
		}
		seat.Status = shared.SeatAvailable
		seat.HeldBy = ""
		byID[id] = seat
	}
	return nil
}

func (m *memStore) ExtendSeats(_ context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.seats[scheduleID]
	for _, id := range seatIDs {
		seat := byID[id]
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			return fmt.Errorf("%w: %s", errSeatTaken, id)
		}
	}
	m.extended++
	return nil
}

// steal hands seatID to another holder, as if the owner's lock lapsed.
func (m *memStore) steal(scheduleID int64, seatID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seat := m.seats[scheduleID][seatID]
	seat.HeldBy = holder
	m.seats[scheduleID][seatID] = seat
}

func (m *memStore) BookSeats(_ context.Context, scheduleID int64, seatIDs []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.seats[scheduleID]
	for _, id := range seatIDs {
		seat := byID[id]
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			return fmt.Errorf("%w: %s", errSeatTaken, id)
		}
	}
	for _, id := range seatIDs {
		seat := byID[id]
		seat.Status = shared.SeatBooked
		byID[id] = seat
	}
	return nil
}

func (m *memStore) SaveReservation(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.SeatIDs = append([]string(nil), r.SeatIDs...)
	m.reservations[r.ID] = cp
	return nil
}

func (m *memStore) Reservation(_ context.Context, id int64) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, errNotFound
	}
	r.SeatIDs = append([]string(nil), r.SeatIDs...)
	return &r, nil
}

func (m *memStore) DeleteReservation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, id)
	return nil
}

func (m *memStore) ExpiredReservations(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.reservations {
		if r.BookingNumber == "" && r.ExpiresAt.Unix() <= now.Unix() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func without(tokens []string, token string) []string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if t != token {
			out = append(out, t)
		}
	}
	return out
}

type pushedFrame struct {
	token string
	frame shared.SessionFrame
}

type fakePusher struct {
	mu       sync.Mutex
	sessions []pushedFrame
	seats    []shared.SeatEvent
}

func (p *fakePusher) PushSession(token string, frame shared.SessionFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, pushedFrame{token: token, frame: frame})
}

func (p *fakePusher) PushSeat(ev shared.SeatEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seats = append(p.seats, ev)
}

func (p *fakePusher) framesFor(token string) []shared.SessionFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.SessionFrame
	for _, f := range p.sessions {
		if f.token == token {
			out = append(out, f.frame)
		}
	}
	return out
}

func (p *fakePusher) seatEvents(typ string) []shared.SeatEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.SeatEvent
	for _, ev := range p.seats {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
