package realtime

import (
	"sync"

	"concert-session/shared"

	"go.uber.org/zap"
)

// PubSub is the publish/subscribe surface of the Manager. Components
// that only need to exchange frames depend on this, not on *Manager.
type PubSub interface {
	Subscribe(topic string, handler Handler) func()
	Publish(topic string, payload any)
}

var _ PubSub = (*Manager)(nil)

// Room is one chat or party room multiplexed over the shared connection.
type Room struct {
	ps     PubSub
	kind   string
	id     string
	logger *zap.Logger

	mu    sync.Mutex
	leave func()
}

func NewRoom(ps PubSub, kind, id string, logger *zap.Logger) *Room {
	return &Room{
		ps:     ps,
		kind:   kind,
		id:     id,
		logger: shared.OrNop(logger).Named("room").With(zap.String("room", kind+"."+id)),
	}
}

// Topic is the subscription key of the room.
func (r *Room) Topic() string { return shared.RoomTopic(r.kind, r.id) }

// Join subscribes handler to room events and announces the member.
// Joining twice keeps the first handler.
func (r *Room) Join(handler func(shared.RoomEvent)) {
	r.mu.Lock()
	if r.leave != nil {
		r.mu.Unlock()
		return
	}
	r.leave = r.ps.Subscribe(r.Topic(), func(msg Message) {
		var ev shared.RoomEvent
		if err := msg.Decode(&ev); err != nil {
			r.logger.Warn("dropping room frame", zap.Error(err))
			return
		}
		handler(ev)
	})
	r.mu.Unlock()

	r.ps.Publish(shared.ActionDestination(r.kind, shared.ActionJoin, r.id), shared.RoomAction{})
}

// Send posts a chat line to the room.
func (r *Room) Send(text string) {
	r.ps.Publish(shared.ActionDestination(r.kind, shared.ActionSend, r.id), shared.RoomAction{Text: text})
}

// Kick removes userID from the room. The gateway rejects it unless the
// sender owns the room.
func (r *Room) Kick(userID string) {
	r.ps.Publish(shared.ActionDestination(r.kind, shared.ActionKick, r.id), shared.RoomAction{Target: userID})
}

// Leave announces the departure and drops the subscription. It is safe
// to call without a prior Join.
func (r *Room) Leave() {
	r.mu.Lock()
	leave := r.leave
	r.leave = nil
	r.mu.Unlock()
	if leave == nil {
		return
	}
	r.ps.Publish(shared.ActionDestination(r.kind, shared.ActionLeave, r.id), shared.RoomAction{})
	leave()
}
