package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Broker is the message bus behind the gateway.
type Broker interface {
	Subscribe(subject string, fn func(subject string, data []byte)) (unsubscribe func() error, err error)
	Publish(subject string, data []byte) error
}

type natsBroker struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func newNATSBroker(nc *nats.Conn, logger *zap.Logger) *natsBroker {
	return &natsBroker{nc: nc, logger: logger.Named("broker")}
}

func (b *natsBroker) Subscribe(subject string, fn func(string, []byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub.Unsubscribe, nil
}

func (b *natsBroker) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
