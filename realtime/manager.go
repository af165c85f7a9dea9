package realtime

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"concert-session/shared"

	"go.uber.org/zap"
)

// Config is the reconnect policy of a Manager.
type Config struct {
	// ReconnectCeiling is the number of consecutive non-explicit closures
	// after which the manager gives up and reports StateError.
	ReconnectCeiling int
	// ReconnectDelay is the wait before the first re-dial.
	ReconnectDelay time.Duration
	// BackoffMultiplier grows the delay per attempt. 1 keeps it fixed.
	BackoffMultiplier float64
	MaxReconnectDelay time.Duration
	DialTimeout       time.Duration
}

// DefaultConfig is a fixed five second delay with a ceiling of five.
func DefaultConfig() Config {
	return Config{
		ReconnectCeiling:  shared.ReconnectCeiling,
		ReconnectDelay:    shared.ReconnectDelay,
		BackoffMultiplier: 1,
		MaxReconnectDelay: time.Minute,
		DialTimeout:       10 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c shared.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager owns the single connection to the messaging backend, hides
// reconnection and credential refresh, and multiplexes topic
// subscriptions over it. It is the only owner of the transport Conn.
type Manager struct {
	cfg       Config
	transport Transport
	creds     CredentialSource
	clock     shared.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	// epoch changes on every dial and on Disconnect; callbacks from an
	// older epoch are stale and ignored.
	epoch      uint64
	conn       Conn
	cancelDial context.CancelFunc
	retry      shared.Timer
	rebind     shared.Timer
	active     map[string]*subscription
	pending    map[string]*subscription

	states shared.Emitter[ConnectionState]
}

type subscription struct {
	topic   string
	handler Handler
	binding Binding
	closed  atomic.Bool
}

func (s *subscription) deliver(msg Message) {
	if s.closed.Load() {
		return
	}
	s.handler(msg)
}

// NewManager returns a disconnected Manager.
func NewManager(transport Transport, creds CredentialSource, cfg Config, opts ...Option) *Manager {
	if cfg.ReconnectCeiling < 1 {
		cfg.ReconnectCeiling = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		clock:     shared.RealClock(),
		state:     StateDisconnected,
		active:    make(map[string]*subscription),
		pending:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = shared.OrNop(m.logger).Named("realtime")
	return m
}

// Connect starts connecting unless an attempt is already active. The
// credential is read fresh for the handshake.
func (m *Manager) Connect() {
	m.mu.Lock()
	next, attempts, ok := transition(m.state, m.attempts, connectRequested, m.cfg.ReconnectCeiling)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.stopRetryLocked()
	m.attempts = attempts
	m.setStateLocked(next)
	m.dialLocked()
	m.mu.Unlock()

	m.states.Flush()
}

// Disconnect releases every subscription and the transport, and resets
// the reconnect counter. Callers must subscribe again after the next
// Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.stopRetryLocked()
	m.stopRebindLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	for topic, sub := range m.active {
		sub.closed.Store(true)
		if err := sub.binding.Unsubscribe(); err != nil {
			m.logger.Debug("unsubscribe on disconnect", zap.String("topic", topic), zap.Error(err))
		}
	}
	for _, sub := range m.pending {
		sub.closed.Store(true)
	}
	clear(m.active)
	clear(m.pending)

	conn := m.conn
	m.conn = nil
	next, attempts, _ := transition(m.state, m.attempts, disconnectRequested, m.cfg.ReconnectCeiling)
	m.attempts = attempts
	m.setStateLocked(next)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
	}
	m.states.Flush()
}

// Subscribe registers handler for topic. It binds immediately when
// connected and otherwise on the next successful connect. Subscribing a
// topic that is already registered is a no-op and returns the existing
// registration's remover. The returned func works in any state.
func (m *Manager) Subscribe(topic string, handler Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.active[topic]; ok {
		return m.remover(sub)
	}
	if sub, ok := m.pending[topic]; ok {
		return m.remover(sub)
	}

	sub := &subscription{topic: topic, handler: handler}
	if m.state == StateConnected && m.conn != nil {
		m.bindLocked(sub)
	} else {
		m.pending[topic] = sub
	}
	return m.remover(sub)
}

func (m *Manager) remover(sub *subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(sub) })
	}
}

func (m *Manager) unsubscribe(sub *subscription) {
	m.mu.Lock()
	sub.closed.Store(true)
	var binding Binding
	if m.active[sub.topic] == sub {
		delete(m.active, sub.topic)
		binding = sub.binding
	} else if m.pending[sub.topic] == sub {
		delete(m.pending, sub.topic)
	}
	m.mu.Unlock()

	if binding != nil {
		if err := binding.Unsubscribe(); err != nil {
			m.logger.Debug("unsubscribe", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

// Publish sends payload to topic. Publishing is fire-and-forget: when
// the connection is down the frame is dropped and logged. Payloads are
// JSON encoded unless already raw bytes.
func (m *Manager) Publish(topic string, payload any) {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			m.logger.Error("encode publish payload", zap.String("topic", topic), zap.Error(err))
			return
		}
	}

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warn("publish dropped, not connected",
			zap.String("topic", topic), zap.Stringer("state", state))
		return
	}
	if err := conn.Publish(topic, body); err != nil {
		m.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// OnStateChange registers listener, delivers the current state to it
// right away, then every later transition in order.
func (m *Manager) OnStateChange(listener func(ConnectionState)) func() {
	m.mu.Lock()
	current := m.state
	remove := m.states.Listen(listener, &current)
	m.mu.Unlock()

	m.states.Flush()
	return remove
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ActiveTopics returns the topics bound to the live connection.
func (m *Manager) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.active)
}

// PendingTopics returns the topics waiting for the next connect.
func (m *Manager) PendingTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.pending)
}

func (m *Manager) setStateLocked(next ConnectionState) {
	if next == m.state {
		return
	}
	m.logger.Info("connection state changed",
		zap.Stringer("from", m.state), zap.Stringer("to", next), zap.Int("attempts", m.attempts))
	m.state = next
	m.states.Enqueue(next)
}

func (m *Manager) dialLocked() {
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	go m.dial(ctx, epoch)
}

func (m *Manager) dial(ctx context.Context, epoch uint64) {
	var conn Conn
	token, err := m.creds.Token(ctx)
	if err == nil {
		conn, err = m.transport.Dial(ctx, token)
	}

	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.logger.Warn("connect failed", zap.Int("attempt", m.attempts+1), zap.Error(err))
		m.closedLocked()
		m.mu.Unlock()
		m.states.Flush()
		return
	}

	m.conn = conn
	next, attempts, _ := transition(m.state, m.attempts, handshakeSucceeded, m.cfg.ReconnectCeiling)
	m.attempts = attempts
	m.setStateLocked(next)
	m.bindPendingLocked()
	m.mu.Unlock()

	m.states.Flush()
	go m.watch(epoch, conn)
}

// bindLocked binds sub on the live connection. A failed bind leaves sub
// pending and schedules another attempt on the same connection.
func (m *Manager) bindLocked(sub *subscription) {
	binding, err := m.conn.Subscribe(sub.topic, sub.deliver)
	if err != nil {
		m.logger.Warn("bind failed, retrying", zap.String("topic", sub.topic), zap.Error(err))
		m.pending[sub.topic] = sub
		m.scheduleRebindLocked()
		return
	}
	sub.binding = binding
	m.active[sub.topic] = sub
}

func (m *Manager) bindPendingLocked() {
	subs := make([]*subscription, 0, len(m.pending))
	for _, sub := range m.pending {
		subs = append(subs, sub)
	}
	clear(m.pending)
	for _, sub := range subs {
		m.bindLocked(sub)
	}
}

func (m *Manager) scheduleRebindLocked() {
	if m.rebind != nil {
		return
	}
	delay := m.cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	epoch := m.epoch
	m.rebind = m.clock.AfterFunc(delay, func() { m.rebindPending(epoch) })
}

func (m *Manager) rebindPending(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.rebind = nil
	if m.state != StateConnected || m.conn == nil {
		return
	}
	m.bindPendingLocked()
}

func (m *Manager) stopRebindLocked() {
	if m.rebind != nil {
		m.rebind.Stop()
		m.rebind = nil
	}
}

// watch waits for conn to end and runs the reconnect policy unless the
// end was caused by Disconnect.
func (m *Manager) watch(epoch uint64, conn Conn) {
	<-conn.Done()

	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("transport closed", zap.Error(conn.Err()))
	m.conn = nil
	m.closedLocked()
	m.mu.Unlock()

	m.states.Flush()
}

// closedLocked handles a non-explicit closure: bindings are gone with the
// transport, so registrations go back to pending and are bound again on
// the next successful connect.
func (m *Manager) closedLocked() {
	m.stopRebindLocked()
	for topic, sub := range m.active {
		sub.binding = nil
		m.pending[topic] = sub
	}
	clear(m.active)

	next, attempts, ok := transition(m.state, m.attempts, transportClosed, m.cfg.ReconnectCeiling)
	if !ok {
		return
	}
	m.attempts = attempts
	if next == StateError {
		m.logger.Error("reconnect ceiling reached, giving up", zap.Int("attempts", attempts))
		m.setStateLocked(next)
		return
	}
	m.setStateLocked(next)

	delay := m.backoff(attempts)
	epoch := m.epoch
	m.logger.Info("reconnect scheduled", zap.Int("attempt", attempts), zap.Duration("delay", delay))
	m.retry = m.clock.AfterFunc(delay, func() { m.redial(epoch) })
}

func (m *Manager) redial(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.state != StateConnecting {
		return
	}
	m.retry = nil
	m.dialLocked()
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	if m.cfg.BackoffMultiplier <= 1 || attempt <= 1 {
		return m.cfg.ReconnectDelay
	}
	d := float64(m.cfg.ReconnectDelay) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt-1))
	if m.cfg.MaxReconnectDelay > 0 && d > float64(m.cfg.MaxReconnectDelay) {
		return m.cfg.MaxReconnectDelay
	}
	return time.Duration(d)
}

func sortedKeys(in map[string]*subscription) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
