package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"concert-session/shared"

	"go.uber.org/zap"
)

var (
	errClientGone   = errors.New("client is not registered")
	errDuplicateSub = errors.New("subscription id already in use")
)

// HubStats tracks statistics for the hub
type HubStats struct {
	TotalClients      int       `json:"total_clients"`
	Destinations      int       `json:"destinations"`
	Subscriptions     int       `json:"subscriptions"`
	TotalMessages     int64     `json:"total_messages"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastBroadcastTime time.Time `json:"last_broadcast_time,omitempty"`
}

// destination is one broker subscription shared by every client frame
// subscribed to the same key.
type destination struct {
	unsubscribe func() error
	subs        map[*Client]map[string]struct{}
}

// Hub maintains the set of active clients and fans broker messages out
// to their subscriptions.
type Hub struct {
	broker Broker
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	dests   map[string]*destination
	stats   HubStats
}

func newHub(broker Broker, logger *zap.Logger) *Hub {
	return &Hub{
		broker:  broker,
		logger:  logger.Named("hub"),
		clients: make(map[*Client]bool),
		dests:   make(map[string]*destination),
		stats:   HubStats{ConnectedAt: time.Now()},
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered", zap.String("client_id", c.id), zap.String("user_id", c.userID), zap.Int("total_clients", total))
}

// unregister drops every subscription of c and closes its send channel.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	var release []func() error
	for subID, dest := range c.subs {
		if unsub := h.dropLocked(c, subID, dest); unsub != nil {
			release = append(release, unsub)
		}
	}
	delete(h.clients, c)
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.release(release...)
	h.logger.Info("client unregistered", zap.String("client_id", c.id), zap.Int("total_clients", total))
}

// subscribe routes messages on dest to c, tagged with subID. The broker
// is subscribed once per destination however many clients share it.
func (h *Hub) subscribe(c *Client, subID, dest string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return errClientGone
	}
	if _, ok := c.subs[subID]; ok {
		return fmt.Errorf("%w: %s", errDuplicateSub, subID)
	}

	d, ok := h.dests[dest]
	if !ok {
		unsub, err := h.broker.Subscribe(dest, func(subject string, data []byte) {
			h.deliver(dest, subject, data)
		})
		if err != nil {
			return err
		}
		d = &destination{unsubscribe: unsub, subs: make(map[*Client]map[string]struct{})}
		h.dests[dest] = d
	}
	if d.subs[c] == nil {
		d.subs[c] = make(map[string]struct{})
	}
	d.subs[c][subID] = struct{}{}
	c.subs[subID] = dest
	return nil
}

func (h *Hub) unsubscribe(c *Client, subID string) {
	h.mu.Lock()
	dest, ok := c.subs[subID]
	var unsub func() error
	if ok {
		unsub = h.dropLocked(c, subID, dest)
	}
	h.mu.Unlock()

	if unsub != nil {
		h.release(unsub)
	}
}

// dropLocked removes one client subscription and returns the broker
// unsubscribe func once the destination has no subscribers left.
func (h *Hub) dropLocked(c *Client, subID, dest string) func() error {
	delete(c.subs, subID)
	d, ok := h.dests[dest]
	if !ok {
		return nil
	}
	delete(d.subs[c], subID)
	if len(d.subs[c]) == 0 {
		delete(d.subs, c)
	}
	if len(d.subs) > 0 {
		return nil
	}
	delete(h.dests, dest)
	return d.unsubscribe
}

func (h *Hub) release(unsubs ...func() error) {
	for _, unsub := range unsubs {
		if err := unsub(); err != nil {
			h.logger.Warn("broker unsubscribe failed", zap.Error(err))
		}
	}
}

// deliver fans one broker message out as MESSAGE frames. A client whose
// send buffer is full is disconnected.
func (h *Hub) deliver(dest, subject string, data []byte) {
	body := json.RawMessage(data)
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		body = quoted
	}

	var slow []*Client
	h.mu.Lock()
	h.stats.TotalMessages++
	h.stats.LastBroadcastTime = time.Now()
	d, ok := h.dests[dest]
	if ok {
		for c, ids := range d.subs {
			for id := range ids {
				frame := shared.Frame{Command: shared.FrameMessage, ID: id, Destination: subject, Body: body}
				if !c.enqueue(frame) {
					slow = append(slow, c)
					break
				}
			}
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("client send buffer full, disconnecting", zap.String("client_id", c.id))
		c.kick()
	}
}

// closeAll disconnects every client. Used on shutdown since hijacked
// connections outlive the HTTP server.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.kick()
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := h.stats
	stats.TotalClients = len(h.clients)
	stats.Destinations = len(h.dests)
	for c := range h.clients {
		stats.Subscriptions += len(c.subs)
	}
	return stats
}
