package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"concert-session/booking"
	"concert-session/realtime"
	"concert-session/shared"

	"go.uber.org/zap"
)

var errNotRoomOwner = errors.New("only the room owner can kick")

// Leaver ends a booking session on behalf of a connected client.
type Leaver interface {
	Leave(ctx context.Context, rawToken string, req shared.LeaveRequest) error
}

// bookingRelay forwards leave actions to the booking service with the
// client's own credential.
type bookingRelay struct {
	baseURL string
	hc      *http.Client
}

func (r *bookingRelay) Leave(ctx context.Context, rawToken string, req shared.LeaveRequest) error {
	return booking.NewHTTPClient(r.baseURL, realtime.StaticToken(rawToken), r.hc).Leave(ctx, req)
}

// actionRouter handles SEND frames. Clients may only publish to app.*
// destinations; room actions are re-published as RoomEvents with the
// sender taken from the handshake claims.
type actionRouter struct {
	broker       Broker
	leaver       Leaver
	leaveTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu     sync.Mutex
	owners map[string]string // room topic -> owner user id

	// draining is set by wait; no leave relay starts after it.
	draining bool
	leaves   sync.WaitGroup
}

func newActionRouter(broker Broker, leaver Leaver, leaveTimeout time.Duration, logger *zap.Logger) *actionRouter {
	return &actionRouter{
		broker:       broker,
		leaver:       leaver,
		leaveTimeout: leaveTimeout,
		now:          time.Now,
		logger:       logger.Named("actions"),
		owners:       make(map[string]string),
	}
}

func (a *actionRouter) handle(c *Client, dest string, body json.RawMessage) error {
	kind, action, id, ok := shared.ParseActionDestination(dest)
	if !ok {
		return fmt.Errorf("SEND is only accepted on %s<scope>.<action>.<id> destinations", shared.ActionPrefix)
	}

	switch kind {
	case shared.RoomChat, shared.RoomParty:
		return a.roomAction(c.userID, kind, action, id, body)
	case shared.ScopeBooking:
		return a.bookingAction(c.rawToken, action, id, body)
	default:
		return fmt.Errorf("unknown action scope %q", kind)
	}
}

func (a *actionRouter) roomAction(userID, kind, action, roomID string, body json.RawMessage) error {
	var act shared.RoomAction
	if len(body) > 0 {
		if err := json.Unmarshal(body, &act); err != nil {
			return fmt.Errorf("decode room action: %w", err)
		}
	}

	topic := shared.RoomTopic(kind, roomID)
	ev := shared.RoomEvent{RoomID: roomID, UserID: userID, SentAt: a.now().UTC()}

	switch action {
	case shared.ActionSend:
		if strings.TrimSpace(act.Text) == "" {
			return errors.New("empty message")
		}
		ev.Type = shared.RoomEventMessage
		ev.Text = act.Text

	case shared.ActionJoin:
		a.mu.Lock()
		if _, ok := a.owners[topic]; !ok {
			a.owners[topic] = userID
		}
		a.mu.Unlock()
		ev.Type = shared.RoomEventJoined

	case shared.ActionLeave:
		a.mu.Lock()
		if a.owners[topic] == userID {
			delete(a.owners, topic)
		}
		a.mu.Unlock()
		ev.Type = shared.RoomEventLeft

	case shared.ActionKick:
		if act.Target == "" {
			return errors.New("kick needs a target")
		}
		a.mu.Lock()
		owner := a.owners[topic]
		a.mu.Unlock()
		if owner != userID {
			return fmt.Errorf("%w: %s", errNotRoomOwner, topic)
		}
		ev.Type = shared.RoomEventKicked
		ev.Target = act.Target

	default:
		return fmt.Errorf("unknown room action %q", action)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return a.broker.Publish(topic, data)
}

// bookingAction relays a leave to the booking service in the background.
func (a *actionRouter) bookingAction(rawToken, action, id string, body json.RawMessage) error {
	if action != shared.ActionLeave {
		return fmt.Errorf("unknown booking action %q", action)
	}
	scheduleID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid schedule id %q", id)
	}

	var req shared.LeaveRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("decode leave request: %w", err)
		}
	}
	req.ScheduleID = scheduleID

	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return errors.New("edge server is shutting down")
	}
	a.leaves.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.leaves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.leaveTimeout)
		defer cancel()
		if err := a.leaver.Leave(ctx, rawToken, req); err != nil {
			a.logger.Warn("leave relay failed", zap.Int64("schedule_id", scheduleID), zap.Error(err))
			return
		}
		a.logger.Info("leave relayed", zap.Int64("schedule_id", scheduleID))
	}()
	return nil
}

// wait refuses new leave relays and blocks until every relayed leave has
// finished.
func (a *actionRouter) wait() {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()
	a.leaves.Wait()
}
