package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"concert-session/shared"

	"github.com/go-redis/redis/v8"
)

// InitSchedule writes the seat map of a schedule unless it already exists.
func (s *RedisStore) InitSchedule(ctx context.Context, scheduleID int64, seats []shared.Seat) error {
	key := fmt.Sprintf(shared.RedisKeyScheduleSeats, scheduleID)
	if err := s.rdb.SAdd(ctx, shared.RedisKeySchedules, scheduleID).Err(); err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	values := make(map[string]interface{}, len(seats))
	for _, seat := range seats {
		seatJSON, err := json.Marshal(seat)
		if err != nil {
			return err
		}
		values[seat.ID] = seatJSON
	}
	return s.rdb.HSet(ctx, key, values).Err()
}

func (s *RedisStore) Seats(ctx context.Context, scheduleID int64) ([]shared.Seat, error) {
	seatMap, err := s.rdb.HGetAll(ctx, fmt.Sprintf(shared.RedisKeyScheduleSeats, scheduleID)).Result()
	if err != nil {
		return nil, err
	}
	if len(seatMap) == 0 {
		return nil, errNotFound
	}

	seats := make([]shared.Seat, 0, len(seatMap))
	for id, seatJSON := range seatMap {
		var seat shared.Seat
		if err := json.Unmarshal([]byte(seatJSON), &seat); err != nil {
			return nil, fmt.Errorf("decode seat %s: %w", id, err)
		}
		seats = append(seats, seat)
	}
	sort.Slice(seats, func(i, j int) bool {
		if seats[i].Row != seats[j].Row {
			return seats[i].Row < seats[j].Row
		}
		return seats[i].Col < seats[j].Col
	})
	return seats, nil
}

// LockSeats takes a SETNX lock per seat for owner and marks the seats
// held. Either every seat is locked or none is.
func (s *RedisStore) LockSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) ([]shared.Seat, error) {
	var locked []string
	rollback := func() {
		if len(locked) > 0 {
			_ = s.ReleaseSeats(ctx, scheduleID, locked, owner)
		}
	}

	seats := make([]shared.Seat, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		lockKey := fmt.Sprintf(shared.RedisKeySeatLock, scheduleID, seatID)
		ok, err := s.rdb.SetNX(ctx, lockKey, owner, ttl).Result()
		if err != nil {
			rollback()
			return nil, err
		}
		if !ok {
			holder, _ := s.rdb.Get(ctx, lockKey).Result()
			if holder != owner {
				rollback()
				return nil, fmt.Errorf("%w: %s", errSeatTaken, seatID)
			}
			s.rdb.Expire(ctx, lockKey, ttl)
		}
		locked = append(locked, seatID)

		seat, err := s.seat(ctx, scheduleID, seatID)
		if err != nil {
			rollback()
			return nil, err
		}
		if seat.Status == shared.SeatBooked {
			rollback()
			return nil, fmt.Errorf("%w: %s", errSeatTaken, seatID)
		}
		seat.Status = shared.SeatHeld
		seat.HeldBy = owner
		seat.ExpiresAt = time.Now().Add(ttl).Unix()
		if err := s.saveSeat(ctx, scheduleID, seat); err != nil {
			rollback()
			return nil, err
		}
		seats = append(seats, *seat)
	}
	return seats, nil
}

// ReleaseSeats frees the seats owner holds. Seats held by someone else
// are left alone.
func (s *RedisStore) ReleaseSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string) error {
	for _, seatID := range seatIDs {
		lockKey := fmt.Sprintf(shared.RedisKeySeatLock, scheduleID, seatID)
		holder, err := s.rdb.Get(ctx, lockKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if holder == owner {
			s.rdb.Del(ctx, lockKey)
		}

		seat, err := s.seat(ctx, scheduleID, seatID)
		if err != nil {
			return err
		}
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			continue
		}
		seat.Status = shared.SeatAvailable
		seat.HeldBy = ""
		seat.ExpiresAt = 0
		if err := s.saveSeat(ctx, scheduleID, seat); err != nil {
			return err
		}
	}
	return nil
}

// ExtendSeats pushes owner's seat locks out to ttl from now. A lock that
// already lapsed or changed hands is errSeatTaken.
func (s *RedisStore) ExtendSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string, ttl time.Duration) error {
	for _, seatID := range seatIDs {
		lockKey := fmt.Sprintf(shared.RedisKeySeatLock, scheduleID, seatID)
		holder, err := s.rdb.Get(ctx, lockKey).Result()
		if err == redis.Nil || (err == nil && holder != owner) {
			return fmt.Errorf("%w: %s", errSeatTaken, seatID)
		}
		if err != nil {
			return err
		}
		if err := s.rdb.Expire(ctx, lockKey, ttl).Err(); err != nil {
			return err
		}

		seat, err := s.seat(ctx, scheduleID, seatID)
		if err != nil {
			return err
		}
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			return fmt.Errorf("%w: %s", errSeatTaken, seatID)
		}
		seat.ExpiresAt = time.Now().Add(ttl).Unix()
		if err := s.saveSeat(ctx, scheduleID, seat); err != nil {
			return err
		}
	}
	return nil
}

// BookSeats turns owner's held seats into booked ones.
func (s *RedisStore) BookSeats(ctx context.Context, scheduleID int64, seatIDs []string, owner string) error {
	for _, seatID := range seatIDs {
		seat, err := s.seat(ctx, scheduleID, seatID)
		if err != nil {
			return err
		}
		if seat.Status != shared.SeatHeld || seat.HeldBy != owner {
			return fmt.Errorf("%w: %s", errSeatTaken, seatID)
		}
		seat.Status = shared.SeatBooked
		seat.ExpiresAt = 0
		if err := s.saveSeat(ctx, scheduleID, seat); err != nil {
			return err
		}
		s.rdb.Del(ctx, fmt.Sprintf(shared.RedisKeySeatLock, scheduleID, seatID))
	}
	return nil
}

func (s *RedisStore) seat(ctx context.Context, scheduleID int64, seatID string) (*shared.Seat, error) {
	seatJSON, err := s.rdb.HGet(ctx, fmt.Sprintf(shared.RedisKeyScheduleSeats, scheduleID), seatID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("seat %s: %w", seatID, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	var seat shared.Seat
	if err := json.Unmarshal([]byte(seatJSON), &seat); err != nil {
		return nil, err
	}
	return &seat, nil
}

func (s *RedisStore) saveSeat(ctx context.Context, scheduleID int64, seat *shared.Seat) error {
	seatJSON, err := json.Marshal(seat)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, fmt.Sprintf(shared.RedisKeyScheduleSeats, scheduleID), seat.ID, seatJSON).Err()
}

// venueSeats lays out a rows x cols venue. Rows are split evenly over
// grades, most expensive at the front.
func venueSeats(rows, cols int, grades []grade) []shared.Seat {
	seats := make([]shared.Seat, 0, rows*cols)
	for row := 0; row < rows; row++ {
		g := grades[row*len(grades)/rows]
		for col := 0; col < cols; col++ {
			seats = append(seats, shared.Seat{
				ID:     shared.GetSeatID(row, col),
				Row:    row,
				Col:    col,
				Grade:  g.name,
				Price:  g.price,
				Status: shared.SeatAvailable,
			})
		}
	}
	return seats
}

type grade struct {
	name  string
	price int
}

// sortedGrades orders grades from most to least expensive.
func sortedGrades(prices map[string]int) []grade {
	out := make([]grade, 0, len(prices))
	for name, price := range prices {
		out = append(out, grade{name: name, price: price})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].price != out[j].price {
			return out[i].price > out[j].price
		}
		return out[i].name < out[j].name
	})
	return out
}

// seatLocation is the human readable position of a seat.
func seatLocation(seat shared.Seat) string {
	return fmt.Sprintf("Row %c, Seat %d", rune('A'+seat.Row), seat.Col+1)
}
