package main

import (
	"encoding/json"
	"strings"
	"time"

	"concert-session/shared"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub     *Hub
	actions *actionRouter
	conn    *websocket.Conn
	logger  *zap.Logger

	// Buffered channel of outbound frames. Closed by the hub.
	send chan []byte

	id       string
	userID   string
	rawToken string

	connectedAt time.Time

	// subscription id -> destination, guarded by hub.mu
	subs map[string]string
}

// readPump pumps frames from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.logger.Info("client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadLimit(shared.WebSocketMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var f shared.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.sendError("", "invalid frame format")
			continue
		}
		c.handleFrame(f)
	}
}

// writePump pumps frames from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(shared.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(f shared.Frame) {
	switch f.Command {
	case shared.FrameSubscribe:
		if f.ID == "" || f.Destination == "" {
			c.sendError(f.ID, "SUBSCRIBE needs id and destination")
			return
		}
		if strings.HasPrefix(f.Destination, shared.ActionPrefix) {
			c.sendError(f.ID, "cannot subscribe to an action destination")
			return
		}
		if err := c.hub.subscribe(c, f.ID, f.Destination); err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.logger.Debug("subscribed", zap.String("id", f.ID), zap.String("destination", f.Destination))

	case shared.FrameUnsubscribe:
		c.hub.unsubscribe(c, f.ID)

	case shared.FrameSend:
		if err := c.actions.handle(c, f.Destination, f.Body); err != nil {
			c.logger.Info("action rejected", zap.String("destination", f.Destination), zap.Error(err))
			c.sendError("", err.Error())
		}

	default:
		c.sendError(f.ID, "unknown command: "+f.Command)
	}
}

// enqueue queues f without blocking and reports whether it fit. Callers
// hold hub.mu or run on the read pump, so send is still open.
func (c *Client) enqueue(f shared.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(id, msg string) {
	if !c.enqueue(shared.Frame{Command: shared.FrameError, ID: id, Message: msg}) {
		c.logger.Warn("dropping error frame, send buffer full")
	}
}

// kick closes the socket; the read pump then unregisters the client.
func (c *Client) kick() {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(shared.WebSocketWriteTimeout))
	c.conn.Close()
}
