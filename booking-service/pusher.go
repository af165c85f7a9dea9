package main

import (
	"encoding/json"
	"time"

	"concert-session/shared"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Pusher delivers server push frames to sessions and seat watchers.
type Pusher interface {
	PushSession(token string, frame shared.SessionFrame)
	PushSeat(ev shared.SeatEvent)
}

// natsPusher publishes on the subjects the edge server bridges to clients.
type natsPusher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func newNATSPusher(nc *nats.Conn, logger *zap.Logger) *natsPusher {
	return &natsPusher{nc: nc, logger: logger.Named("push")}
}

func (p *natsPusher) PushSession(token string, frame shared.SessionFrame) {
	p.publish(shared.SessionTopic(token), frame)
}

func (p *natsPusher) PushSeat(ev shared.SeatEvent) {
	p.publish(shared.SeatsTopic(ev.ScheduleID), ev)
}

// publish retries a few times and logs a push it could not deliver.
func (p *natsPusher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("encode push", zap.String("subject", subject), zap.Error(err))
		return
	}

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		err = p.nc.Publish(subject, data)
		if err == nil {
			p.logger.Debug("published", zap.String("subject", subject))
			return
		}
		if i < maxRetries-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	p.logger.Warn("push failed", zap.String("subject", subject), zap.Int("attempts", maxRetries), zap.Error(err))
}
