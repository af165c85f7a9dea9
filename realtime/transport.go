package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrConnClosed      = errors.New("connection closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrHandshakeFailed = errors.New("handshake rejected")
)

// Message is one frame delivered on a subscribed topic.
type Message struct {
	Topic string
	Body  []byte
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Topic, err)
	}
	return nil
}

// Handler receives the frames of one topic, in arrival order.
type Handler func(Message)

// Transport opens authenticated connections to the messaging backend.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live transport connection. Done is closed when the
// connection ends for any reason, after which Err reports the cause
// (nil after Close).
type Conn interface {
	Subscribe(topic string, handler Handler) (Binding, error)
	Publish(topic string, body []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Binding is a live transport-level subscription.
type Binding interface {
	Unsubscribe() error
}

// CredentialSource yields the bearer credential for a handshake. It is
// consulted on every dial so refreshed credentials are picked up.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFile re-reads the credential from a file on every handshake.
type TokenFile string

func (f TokenFile) Token(context.Context) (string, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// TokenFunc adapts a function to CredentialSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
