package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"concert-session/shared"

	"github.com/go-redis/redis/v8"
)

var (
	errNotFound  = errors.New("not found")
	errSeatTaken = errors.New("seat is already held by another session")
)

// Ticket is a queue token and the session it admits.
type Ticket struct {
	Token         string    `json:"token"`
	ScheduleID    int64     `json:"schedule_id"`
	UserID        string    `json:"user_id"`
	Admitted      bool      `json:"admitted"`
	AdmittedAt    time.Time `json:"admitted_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastSeen      time.Time `json:"last_seen"`
	ReservationID int64     `json:"reservation_id,omitempty"`
}

// Reservation is a granted hold on seats.
type Reservation struct {
	ID            int64     `json:"id"`
	ScheduleID    int64     `json:"schedule_id"`
	Token         string    `json:"token"`
	UserID        string    `json:"user_id"`
	SeatIDs       []string  `json:"seat_ids"`
	ExpiresAt     time.Time `json:"expires_at"`
	BookingNumber string    `json:"booking_number,omitempty"`
}

// Store persists queues, seat locks and reservations.
type Store interface {
	Ping(ctx context.Context) error

	InitSchedule(ctx context.Context, scheduleID int64, seats []shared.Seat) error
	Schedules(ctx context.Context) ([]int64, error)
	Seats(ctx context.Context, scheduleID int64) ([]shared.Seat, error)

	Enqueue(ctx context.Context, t *Ticket) (position int64, err error)
	Ticket(ctx context.Context, token string) (*Ticket, error)
	SaveTicket(ctx context.Context, t *Ticket) error
	Waiting(ctx context.Context, scheduleID int64) ([]string, error)
	Admitted(ctx context.Context, scheduleID int64) ([]string, error)
	Admit(ctx context.Context, t *Ticket) error
	DropTicket(ctx context.Context, t *Ticket) error

	NextReservationID(ctx context.Context) (int64, error)
	LockSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) ([]shared.Seat, error)
	ReleaseSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string) error
	ExtendSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) error
	BookSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string) error
	SaveReservation(ctx context.Context, r *Reservation) error
	Reservation(ctx context.Context, id int64) (*Reservation, error)
	DeleteReservation(ctx context.Context, id int64) error
	// ExpiredReservations lists unconfirmed reservations whose deadline is
	// at or before now.
	ExpiredReservations(ctx context.Context, now time.Time) ([]int64, error)
}

// RedisStore is the Store used in production.
type RedisStore struct {
	rdb *redis.Client
	// recordTTL bounds how long tickets and reservations outlive their
	// session in Redis.
	recordTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, recordTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, recordTTL: recordTTL}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Schedules(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.rdb.SMembers(ctx, shared.RedisKeySchedules).ScanSlice(&ids); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, t *Ticket) (int64, error) {
	key := fmt.Sprintf(shared.RedisKeyQueue, t.ScheduleID)
	if err := s.SaveTicket(ctx, t); err != nil {
		return 0, err
	}
	score := float64(time.Now().UnixNano())
	if err := s.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: t.Token}).Err(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	rank, err := s.rdb.ZRank(ctx, key, t.Token).Result()
	if err != nil {
		return 0, fmt.Errorf("queue rank: %w", err)
	}
	return rank + 1, nil
}

func (s *RedisStore) Ticket(ctx context.Context, token string) (*Ticket, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(shared.RedisKeySession, token)).Bytes()
	if err == redis.Nil {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) SaveTicket(ctx context.Context, t *Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(shared.RedisKeySession, t.Token), raw, s.recordTTL).Err(); err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

func (s *RedisStore) Waiting(ctx context.Context, scheduleID int64) ([]string, error) {
	tokens, err := s.rdb.ZRange(ctx, fmt.Sprintf(shared.RedisKeyQueue, scheduleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return tokens, nil
}

func (s *RedisStore) Admitted(ctx context.Context, scheduleID int64) ([]string, error) {
	tokens, err := s.rdb.ZRange(ctx, fmt.Sprintf(shared.RedisKeyAdmitted, scheduleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list admitted: %w", err)
	}
	return tokens, nil
}

// Admit moves t from the queue to the admitted set.
func (s *RedisStore) Admit(ctx context.Context, t *Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, fmt.Sprintf(shared.RedisKeyQueue, t.ScheduleID), t.Token)
		pipe.ZAdd(ctx, fmt.Sprintf(shared.RedisKeyAdmitted, t.ScheduleID),
			&redis.Z{Score: float64(t.ExpiresAt.Unix()), Member: t.Token})
		pipe.Set(ctx, fmt.Sprintf(shared.RedisKeySession, t.Token), raw, s.recordTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("admit %s: %w", t.Token, err)
	}
	return nil
}

func (s *RedisStore) DropTicket(ctx context.Context, t *Ticket) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, fmt.Sprintf(shared.RedisKeyQueue, t.ScheduleID), t.Token)
		pipe.ZRem(ctx, fmt.Sprintf(shared.RedisKeyAdmitted, t.ScheduleID), t.Token)
		pipe.Del(ctx, fmt.Sprintf(shared.RedisKeySession, t.Token))
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop ticket %s: %w", t.Token, err)
	}
	return nil
}

func (s *RedisStore) NextReservationID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, shared.RedisKeyReservationID).Result()
	if err != nil {
		return 0, fmt.Errorf("next reservation id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) SaveReservation(ctx context.Context, r *Reservation) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(shared.RedisKeyReservation, r.ID), raw, s.recordTTL)
		if r.BookingNumber == "" {
			pipe.ZAdd(ctx, shared.RedisKeyReservations, &redis.Z{Score: float64(r.ExpiresAt.Unix()), Member: r.ID})
		} else {
			pipe.ZRem(ctx, shared.RedisKeyReservations, r.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save reservation %d: %w", r.ID, err)
	}
	return nil
}

func (s *RedisStore) Reservation(ctx context.Context, id int64) (*Reservation, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(shared.RedisKeyReservation, id)).Bytes()
	if err == redis.Nil {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	var r Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) DeleteReservation(ctx context.Context, id int64) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fmt.Sprintf(shared.RedisKeyReservation, id))
		pipe.ZRem(ctx, shared.RedisKeyReservations, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete reservation %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ExpiredReservations(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.rdb.ZRangeByScore(ctx, shared.RedisKeyReservations, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).ScanSlice(&ids)
	if err != nil {
		return nil, fmt.Errorf("expired reservations: %w", err)
	}
	return ids, nil
}
