package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"concert-session/shared"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSTransport dials the edge server's frame gateway.
type WSTransport struct {
	URL        string
	Dialer     *websocket.Dialer
	SendBuffer int
	Logger     *zap.Logger
}

// NewWSTransport returns a transport for the gateway at url.
func NewWSTransport(url string, logger *zap.Logger) *WSTransport {
	return &WSTransport{
		URL:        url,
		Dialer:     websocket.DefaultDialer,
		SendBuffer: 256,
		Logger:     logger,
	}
}

// Dial performs the upgrade with the bearer credential in the handshake.
func (t *WSTransport) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set(shared.AuthorizationHeader, shared.BearerPrefix+token)

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	size := t.SendBuffer
	if size <= 0 {
		size = 256
	}
	c := &wsConn{
		ws:       ws,
		send:     make(chan []byte, size),
		done:     make(chan struct{}),
		handlers: make(map[string]wsRoute),
		logger:   shared.OrNop(t.Logger).Named("ws"),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsRoute struct {
	topic   string
	handler Handler
}

// wsConn multiplexes subscriptions over one socket. Subscription ids are
// generated client side and echoed by the gateway on MESSAGE frames.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]wsRoute

	once sync.Once
	done chan struct{}
	err  error
}

func (c *wsConn) Subscribe(topic string, handler Handler) (Binding, error) {
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers[id] = wsRoute{topic: topic, handler: handler}
	c.mu.Unlock()

	if err := c.write(shared.Frame{Command: shared.FrameSubscribe, ID: id, Destination: topic}); err != nil {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		return nil, err
	}
	return &wsBinding{conn: c, id: id}, nil
}

func (c *wsConn) Publish(topic string, body []byte) error {
	return c.write(shared.Frame{Command: shared.FrameSend, Destination: topic, Body: body})
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	<-c.done
	return c.err
}

// Close sends a normal closure and releases the socket.
func (c *wsConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(shared.WebSocketWriteTimeout))
	c.shutdown(nil)
	return nil
}

func (c *wsConn) write(f shared.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) readPump() {
	c.ws.SetReadLimit(shared.WebSocketMaxMessage)
	c.ws.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrConnClosed
			}
			c.shutdown(err)
			return
		}

		var f shared.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid frame from gateway", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *wsConn) dispatch(f shared.Frame) {
	switch f.Command {
	case shared.FrameMessage:
		c.mu.Lock()
		route, ok := c.handlers[f.ID]
		c.mu.Unlock()
		if !ok {
			return
		}
		route.handler(Message{Topic: route.topic, Body: f.Body})
	case shared.FrameError:
		c.logger.Warn("gateway error", zap.String("id", f.ID), zap.String("message", f.Message))
	default:
		c.logger.Debug("ignored frame", zap.String("command", f.Command))
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(shared.WebSocketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("write ping: %w", err))
				return
			}
		}
	}
}

type wsBinding struct {
	conn *wsConn
	id   string
}

func (b *wsBinding) Unsubscribe() error {
	b.conn.mu.Lock()
	_, ok := b.conn.handlers[b.id]
	delete(b.conn.handlers, b.id)
	b.conn.mu.Unlock()
	if !ok {
		return nil
	}
	err := b.conn.write(shared.Frame{Command: shared.FrameUnsubscribe, ID: b.id})
	if errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}
