package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"concert-session/shared"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport talks to the NATS server directly. Topic keys are used
// as subjects unchanged. The library's own reconnect is disabled; the
// Manager owns the reconnect policy.
type NATSTransport struct {
	URL    string
	Name   string
	Logger *zap.Logger
}

func NewNATSTransport(url, name string, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{URL: url, Name: name, Logger: logger}
}

func (t *NATSTransport) Dial(ctx context.Context, token string) (Conn, error) {
	logger := shared.OrNop(t.Logger).Named("nats")
	c := &natsConn{done: make(chan struct{})}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	opts := []nats.Option{
		nats.Name(t.Name),
		nats.Token(token),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = ErrConnClosed
			}
			c.shutdown(err)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("async error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	nc, err := nats.Connect(t.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		return nil, fmt.Errorf("connect %s: %w", t.URL, err)
	}
	c.nc = nc
	return c, nil
}

type natsConn struct {
	nc   *nats.Conn
	once sync.Once
	done chan struct{}
	err  error
}

func (c *natsConn) Subscribe(topic string, handler Handler) (Binding, error) {
	sub, err := c.nc.Subscribe(topic, func(m *nats.Msg) {
		handler(Message{Topic: topic, Body: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return natsBinding{sub: sub}, nil
}

func (c *natsConn) Publish(topic string, body []byte) error {
	if err := c.nc.Publish(topic, body); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrConnClosed
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *natsConn) Done() <-chan struct{} { return c.done }

func (c *natsConn) Err() error {
	<-c.done
	return c.err
}

// Close ends the connection. Done is closed by the ClosedHandler.
func (c *natsConn) Close() error {
	c.nc.Close()
	c.shutdown(nil)
	return nil
}

func (c *natsConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

type natsBinding struct {
	sub *nats.Subscription
}

func (b natsBinding) Unsubscribe() error {
	err := b.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
