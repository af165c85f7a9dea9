package booking

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"concert-session/realtime"
	"concert-session/shared"

	"go.uber.org/zap"
)

// tickInterval is the countdown resolution. A server step push and a
// local SetStep closer together than this are in the same tick.
const tickInterval = time.Second

// Config holds the controller timings.
type Config struct {
	RenewalInterval time.Duration
	RequestTimeout  time.Duration
	LeaveTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RenewalInterval: shared.RenewalInterval,
		RequestTimeout:  10 * time.Second,
		LeaveTimeout:    3 * time.Second,
	}
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c shared.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(ctl *Controller) { ctl.logger = l } }

// Controller drives the client side of one booking session: queue
// admission, the seat hold, delivery and payment, and completion. It
// owns the step machine, the hold countdown and the renewal ping loop.
//
// The controller never touches the transport; it only uses the PubSub
// surface of the connection manager and the REST API.
type Controller struct {
	api    API
	ps     realtime.PubSub
	cfg    Config
	clock  shared.Clock
	logger *zap.Logger

	mu sync.Mutex
	s  Session
	// gen changes on every reset. Results of requests started under an
	// older generation are dropped.
	gen uint64

	countdown    shared.Timer
	countdownGen uint64

	pingTimer shared.Timer
	pingGen   uint64
	pingBusy  bool

	// queueCheck asks the server where a queued token stands, after the
	// queue budget runs out or the connection comes back.
	queueCheck    shared.Timer
	queueCheckGen uint64
	queueBusy     bool
	linkLost      bool

	serverStepAt  time.Time
	serverStepSet bool

	dropSession func()
	dropLink    func()

	leaveMu  sync.Mutex
	inflight int
	drained  chan struct{}

	events shared.Emitter[Event]
}

// NewController returns a controller in the queue step with no schedule.
func NewController(api API, ps realtime.PubSub, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = def.RenewalInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = def.LeaveTimeout
	}
	c := &Controller{
		api:   api,
		ps:    ps,
		cfg:   cfg,
		clock: shared.RealClock(),
		s:     Session{Step: StepQueue},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = shared.OrNop(c.logger).Named("booking")
	if states, ok := ps.(connectionStates); ok {
		c.dropLink = states.OnStateChange(c.onConnectionState)
	}
	return c
}

// connectionStates is the state feed of *realtime.Manager. Pushes
// published while the link is down are not replayed, so a queued session
// checks its token with the server after every reconnect.
type connectionStates interface {
	OnStateChange(listener func(realtime.ConnectionState)) func()
}

// OnEvent registers a host listener. Events arrive in the order the
// controller state changed.
func (c *Controller) OnEvent(listener func(Event)) func() {
	return c.events.Listen(listener, nil)
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.Seats = append([]shared.HeldSeat(nil), c.s.Seats...)
	s.Pinging = c.pingRunningLocked()
	s.CountingDown = c.countdown != nil
	return s
}

// SetScheduleInfo opens the session for a performance. Calling it again
// with the same id keeps the session in progress; a different id
// abandons the current session first.
func (c *Controller) SetScheduleInfo(info ScheduleInfo) {
	c.mu.Lock()
	if c.s.Schedule.ID == info.ID {
		c.s.Schedule = info
		c.mu.Unlock()
		return
	}
	var leave *shared.LeaveRequest
	if c.s.Schedule.ID != 0 {
		leave = c.leaveRequestLocked()
		c.resetLocked()
	}
	c.s.Schedule = info
	c.logger.Info("schedule selected", zap.Int64("schedule_id", info.ID), zap.String("title", info.Title))
	c.mu.Unlock()

	if leave != nil {
		c.sendLeave(*leave)
	}
	c.events.Flush()
}

// SetStep moves the session to next. It is ignored only when the server
// pushed a step during the current tick, since the server is
// authoritative over the step.
func (c *Controller) SetStep(next Step) {
	c.mu.Lock()
	if c.serverStepSet && c.clock.Now().Sub(c.serverStepAt) < tickInterval {
		c.logger.Debug("local step ignored, server set the step this tick",
			zap.Stringer("requested", next), zap.Stringer("step", c.s.Step))
		c.mu.Unlock()
		return
	}
	c.applyStepLocked(next)
	c.mu.Unlock()

	c.events.Flush()
}

// StartPing starts the renewal loop, replacing any loop already running.
// It does nothing in the queue and complete steps.
func (c *Controller) StartPing() {
	c.mu.Lock()
	c.startPingLocked()
	c.mu.Unlock()
}

// StopPing stops the renewal loop. A renewal already in flight is
// discarded when it returns.
func (c *Controller) StopPing() {
	c.mu.Lock()
	c.stopPingLocked()
	c.mu.Unlock()
}

// JoinQueue requests queue admission for the selected schedule and
// subscribes to the session's push stream.
func (c *Controller) JoinQueue(ctx context.Context) error {
	c.mu.Lock()
	scheduleID, token, gen := c.s.Schedule.ID, c.s.QueueToken, c.gen
	c.mu.Unlock()
	if scheduleID == 0 {
		return ErrNoSchedule
	}
	if token != "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	ticket, err := c.api.JoinQueue(ctx, scheduleID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.s.Schedule.ID != scheduleID {
		c.mu.Unlock()
		c.sendLeave(shared.LeaveRequest{ScheduleID: scheduleID, QueueToken: ticket.Token})
		return ErrSessionReset
	}
	c.s.QueueToken = ticket.Token
	c.s.QueuePosition = ticket.Position
	c.dropSession = c.ps.Subscribe(shared.SessionTopic(ticket.Token), c.sessionHandler(ticket.Token))
	c.events.Enqueue(Event{Kind: EventQueueAdvanced, Position: ticket.Position})
	c.setRemainingLocked(ticket.RemainingSeconds)
	c.logger.Info("joined queue",
		zap.Int64("schedule_id", scheduleID),
		zap.String("token", ticket.Token),
		zap.Int64("position", ticket.Position),
		zap.Int("remaining_seconds", ticket.RemainingSeconds))
	c.mu.Unlock()

	c.events.Flush()
	return nil
}

// HoldSeats asks the server to hold seatIDs. Protocol errors end the
// session; an unavailable seat is returned to the caller.
func (c *Controller) HoldSeats(ctx context.Context, seatIDs []string) (*shared.Hold, error) {
	c.mu.Lock()
	req := shared.HoldRequest{ScheduleID: c.s.Schedule.ID, QueueToken: c.s.QueueToken, SeatIDs: seatIDs}
	gen := c.gen
	c.mu.Unlock()
	if req.ScheduleID == 0 {
		return nil, ErrNoSchedule
	}
	if req.QueueToken == "" {
		return nil, ErrNotQueued
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	hold, err := c.api.HoldSeats(ctx, req)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			c.sendLeave(shared.LeaveRequest{ScheduleID: req.ScheduleID, QueueToken: req.QueueToken, ReservationID: hold.ReservationID})
		}
		return nil, ErrSessionReset
	}
	if err != nil {
		if IsSessionFatal(err) {
			c.expireLocked(expiryReason(err))
		}
		c.mu.Unlock()
		c.events.Flush()
		return nil, err
	}
	c.s.ReservationID = hold.ReservationID
	c.s.Seats = append([]shared.HeldSeat(nil), hold.Seats...)
	c.setRemainingLocked(hold.RemainingSeconds)
	c.logger.Info("seats held",
		zap.Int64("reservation_id", hold.ReservationID),
		zap.Strings("seats", seatIDs),
		zap.Int("remaining_seconds", hold.RemainingSeconds))
	c.mu.Unlock()

	c.events.Flush()
	return hold, nil
}

// PaymentSucceeded handles the payment gateway's success callback. The
// hold is confirmed and the session completes.
func (c *Controller) PaymentSucceeded(ctx context.Context, orderID string) error {
	c.mu.Lock()
	if c.s.Step == StepComplete {
		c.mu.Unlock()
		return nil
	}
	rid, gen := c.s.ReservationID, c.gen
	c.mu.Unlock()
	if rid == 0 {
		return ErrNoReservation
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	conf, err := c.api.Confirm(ctx, shared.ConfirmRequest{ReservationID: rid, PaymentRef: orderID})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSessionReset
	}
	switch {
	case err == nil:
		c.s.BookingNumber = conf.BookingNumber
		if c.s.BookingNumber == "" {
			c.s.BookingNumber = BookingNumber(orderID)
		}
		c.applyStepLocked(StepComplete)
	case IsSessionFatal(err):
		c.expireLocked(expiryReason(err))
	default:
		c.applyStepLocked(StepPayment)
		c.events.Enqueue(Event{Kind: EventPaymentFailed, Message: err.Error()})
	}
	c.mu.Unlock()

	c.events.Flush()
	return err
}

// PaymentFailed handles the gateway's failure callback: the session goes
// back to payment with the gateway's message.
func (c *Controller) PaymentFailed(message string) {
	c.mu.Lock()
	if c.s.Step == StepComplete {
		c.mu.Unlock()
		return
	}
	c.applyStepLocked(StepPayment)
	c.events.Enqueue(Event{Kind: EventPaymentFailed, Message: message})
	c.mu.Unlock()

	c.events.Flush()
}

// LeaveSession tells the server the client abandons the session for
// scheduleID. It never blocks: the REST call runs in the background and
// a leave frame is published alongside. It is a no-op once complete.
func (c *Controller) LeaveSession(scheduleID int64) {
	c.mu.Lock()
	if c.s.Step == StepComplete {
		c.mu.Unlock()
		return
	}
	req := shared.LeaveRequest{ScheduleID: scheduleID}
	if scheduleID == c.s.Schedule.ID {
		req.QueueToken = c.s.QueueToken
		req.ReservationID = c.s.ReservationID
	}
	c.mu.Unlock()

	c.sendLeave(req)
}

// Reset returns the session to the queue step and releases every timer
// and subscription it holds. Schedule info is kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.events.Flush()
}

// Cancel is the user abandoning the flow.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.s.Step == StepComplete {
		c.mu.Unlock()
		return
	}
	leave := c.leaveRequestLocked()
	c.events.Enqueue(Event{Kind: EventCancelled, ReservationID: c.s.ReservationID})
	c.resetLocked()
	c.mu.Unlock()

	if leave != nil {
		c.sendLeave(*leave)
	}
	c.events.Flush()
}

// Unload is the page going away: leave best-effort, then reset.
func (c *Controller) Unload() {
	c.mu.Lock()
	var leave *shared.LeaveRequest
	if c.s.Step != StepComplete {
		leave = c.leaveRequestLocked()
	}
	c.resetLocked()
	c.mu.Unlock()

	if leave != nil {
		c.sendLeave(*leave)
	}
	c.events.Flush()
}

// Wait blocks until background leave calls have finished. Each is
// bounded by the leave timeout. Leaves started while Wait blocks are
// waited for too.
func (c *Controller) Wait() {
	c.leaveMu.Lock()
	if c.inflight == 0 {
		c.leaveMu.Unlock()
		return
	}
	drained := c.drained
	c.leaveMu.Unlock()
	<-drained
}

// Close stops following the connection state. The session itself is
// left as is; call Unload first to end it.
func (c *Controller) Close() {
	c.mu.Lock()
	drop := c.dropLink
	c.dropLink = nil
	c.mu.Unlock()
	if drop != nil {
		drop()
	}
}

func (c *Controller) leaveRequestLocked() *shared.LeaveRequest {
	if c.s.Schedule.ID == 0 {
		return nil
	}
	return &shared.LeaveRequest{
		ScheduleID:    c.s.Schedule.ID,
		QueueToken:    c.s.QueueToken,
		ReservationID: c.s.ReservationID,
	}
}

func (c *Controller) sendLeave(req shared.LeaveRequest) {
	dest := shared.ActionDestination(shared.ScopeBooking, shared.ActionLeave, strconv.FormatInt(req.ScheduleID, 10))
	c.ps.Publish(dest, req)

	c.beginLeave()
	go func() {
		defer c.endLeave()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaveTimeout)
		defer cancel()
		if err := c.api.Leave(ctx, req); err != nil {
			c.logger.Warn("leave failed", zap.Int64("schedule_id", req.ScheduleID), zap.Error(err))
			return
		}
		c.logger.Info("left session", zap.Int64("schedule_id", req.ScheduleID))
	}()
}

func (c *Controller) beginLeave() {
	c.leaveMu.Lock()
	if c.inflight == 0 {
		c.drained = make(chan struct{})
	}
	c.inflight++
	c.leaveMu.Unlock()
}

func (c *Controller) endLeave() {
	c.leaveMu.Lock()
	c.inflight--
	if c.inflight == 0 {
		close(c.drained)
	}
	c.leaveMu.Unlock()
}

func (c *Controller) applyStepLocked(next Step) {
	prev := c.s.Step
	if next == prev {
		return
	}
	c.s.Step = next
	c.logger.Info("step changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	c.events.Enqueue(Event{Kind: EventStepChanged, Step: next, RemainingSeconds: c.s.RemainingSeconds})
	if prev == StepQueue {
		c.stopQueueCheckLocked()
	}

	switch {
	case next == StepComplete:
		c.stopPingLocked()
		c.stopCountdownLocked()
		c.events.Enqueue(Event{
			Kind:          EventCompleted,
			ReservationID: c.s.ReservationID,
			BookingNumber: c.s.BookingNumber,
		})
	case next == StepQueue:
		c.stopPingLocked()
	case next.holdSensitive():
		if !c.pingRunningLocked() {
			c.startPingLocked()
		}
		c.ensureCountdownLocked()
	}
}

// setRemainingLocked stores a server-confirmed remaining time.
func (c *Controller) setRemainingLocked(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.s.RemainingSeconds = seconds
	c.events.Enqueue(Event{Kind: EventCountdown, RemainingSeconds: seconds})
	if c.s.Step != StepComplete {
		c.ensureCountdownLocked()
	}
}

func (c *Controller) expireLocked(reason string) {
	c.logger.Warn("session expired",
		zap.String("reason", reason),
		zap.Stringer("step", c.s.Step),
		zap.Int64("reservation_id", c.s.ReservationID))
	c.events.Enqueue(Event{Kind: EventExpired, Step: c.s.Step, ReservationID: c.s.ReservationID, Reason: reason})
	c.resetLocked()
}

// resetLocked is the single teardown path of a session.
func (c *Controller) resetLocked() {
	c.gen++
	c.stopPingLocked()
	c.stopCountdownLocked()
	c.stopQueueCheckLocked()
	if c.dropSession != nil {
		c.dropSession()
		c.dropSession = nil
	}
	c.serverStepSet = false

	prev := c.s.Step
	c.s = Session{Step: StepQueue, Schedule: c.s.Schedule}
	if prev != StepQueue {
		c.events.Enqueue(Event{Kind: EventStepChanged, Step: StepQueue})
	}
}

func (c *Controller) ensureCountdownLocked() {
	if c.countdown != nil {
		return
	}
	if c.s.RemainingSeconds == 0 && !c.s.Step.holdSensitive() {
		return
	}
	c.countdownGen++
	gen := c.countdownGen
	c.countdown = c.clock.AfterFunc(tickInterval, func() { c.onCountdownTick(gen) })
}

func (c *Controller) stopCountdownLocked() {
	c.countdownGen++
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
}

func (c *Controller) onCountdownTick(gen uint64) {
	c.mu.Lock()
	if gen != c.countdownGen {
		c.mu.Unlock()
		return
	}
	c.countdown = nil

	if c.s.RemainingSeconds > 0 {
		c.s.RemainingSeconds--
		c.events.Enqueue(Event{Kind: EventCountdown, RemainingSeconds: c.s.RemainingSeconds})
	}
	switch {
	case c.s.RemainingSeconds == 0 && c.s.Step.holdSensitive():
		c.expireLocked("countdown")
	case c.s.RemainingSeconds == 0 && c.queuedLocked():
		c.logger.Info("queue budget used up, checking token", zap.String("token", c.s.QueueToken))
		c.checkQueueLocked(0)
	default:
		c.ensureCountdownLocked()
	}
	c.mu.Unlock()

	c.events.Flush()
}

func (c *Controller) startPingLocked() {
	if !c.s.Step.holdSensitive() {
		c.logger.Debug("ping not started", zap.Stringer("step", c.s.Step))
		return
	}
	c.stopPingLocked()
	c.armPingLocked(c.pingGen)
}

func (c *Controller) armPingLocked(gen uint64) {
	c.pingTimer = c.clock.AfterFunc(c.cfg.RenewalInterval, func() { c.pingTick(gen) })
}

// stopPingLocked invalidates the running loop, including a renewal that
// is in flight.
func (c *Controller) stopPingLocked() {
	c.pingGen++
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	c.pingBusy = false
}

func (c *Controller) pingRunningLocked() bool {
	return c.pingTimer != nil || c.pingBusy
}

// pingTick renews the hold. The next tick is armed only after the
// renewal returns, so one loop never has two renewals outstanding.
func (c *Controller) pingTick(gen uint64) {
	c.mu.Lock()
	if gen != c.pingGen {
		c.mu.Unlock()
		return
	}
	c.pingTimer = nil
	c.pingBusy = true
	req := shared.RenewRequest{
		ScheduleID:    c.s.Schedule.ID,
		QueueToken:    c.s.QueueToken,
		ReservationID: c.s.ReservationID,
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	renewal, err := c.api.RenewHold(ctx, req)
	cancel()

	c.mu.Lock()
	if gen != c.pingGen {
		c.mu.Unlock()
		return
	}
	c.pingBusy = false
	switch {
	case err == nil:
		c.setRemainingLocked(renewal.RemainingSeconds)
		c.armPingLocked(gen)
	case IsSessionFatal(err):
		c.expireLocked(expiryReason(err))
	default:
		c.logger.Warn("renewal failed, retrying next tick", zap.Error(err))
		c.armPingLocked(gen)
	}
	c.mu.Unlock()

	c.events.Flush()
}

func (c *Controller) queuedLocked() bool {
	return c.s.Step == StepQueue && c.s.QueueToken != ""
}

// checkQueueLocked arms one queue status request after delay unless one
// is already in flight.
func (c *Controller) checkQueueLocked(delay time.Duration) {
	if c.queueBusy {
		return
	}
	c.stopQueueCheckLocked()
	gen := c.queueCheckGen
	c.queueCheck = c.clock.AfterFunc(delay, func() { c.queueCheckTick(gen) })
}

func (c *Controller) stopQueueCheckLocked() {
	c.queueCheckGen++
	if c.queueCheck != nil {
		c.queueCheck.Stop()
		c.queueCheck = nil
	}
	c.queueBusy = false
}

func (c *Controller) queueCheckTick(gen uint64) {
	c.mu.Lock()
	if gen != c.queueCheckGen || !c.queuedLocked() {
		c.mu.Unlock()
		return
	}
	c.queueCheck = nil
	c.queueBusy = true
	scheduleID, token := c.s.Schedule.ID, c.s.QueueToken
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	status, err := c.api.QueueStatus(ctx, scheduleID, token)
	cancel()

	c.mu.Lock()
	if gen != c.queueCheckGen {
		c.mu.Unlock()
		return
	}
	c.queueBusy = false
	switch {
	case err == nil && status.Admitted:
		c.logger.Info("token admitted, step push was missed", zap.String("token", token))
		c.serverStepAt = c.clock.Now()
		c.serverStepSet = true
		if status.RemainingSeconds > 0 {
			c.setRemainingLocked(status.RemainingSeconds)
		}
		c.applyStepLocked(StepSeats)
	case err == nil:
		c.s.QueuePosition = status.Position
		c.events.Enqueue(Event{Kind: EventQueueAdvanced, Position: status.Position})
		c.setRemainingLocked(status.RemainingSeconds)
		if status.RemainingSeconds == 0 {
			c.checkQueueLocked(c.cfg.RenewalInterval)
		}
	case IsSessionFatal(err):
		c.expireLocked(expiryReason(err))
	default:
		c.logger.Warn("queue status failed, retrying", zap.String("token", token), zap.Error(err))
		c.checkQueueLocked(c.cfg.RenewalInterval)
	}
	c.mu.Unlock()

	c.events.Flush()
}

func (c *Controller) onConnectionState(state realtime.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state != realtime.StateConnected {
		c.linkLost = true
		return
	}
	recheck := c.linkLost
	c.linkLost = false
	if recheck && c.queuedLocked() {
		c.logger.Info("connection restored, checking queue token", zap.String("token", c.s.QueueToken))
		c.checkQueueLocked(0)
	}
}

func (c *Controller) sessionHandler(token string) realtime.Handler {
	return func(msg realtime.Message) {
		var f shared.SessionFrame
		if err := msg.Decode(&f); err != nil {
			c.logger.Warn("dropping session frame", zap.Error(err))
			return
		}
		c.onSessionFrame(token, f)
	}
}

func (c *Controller) onSessionFrame(token string, f shared.SessionFrame) {
	c.mu.Lock()
	if c.s.QueueToken != token {
		c.mu.Unlock()
		return
	}

	switch f.Type {
	case shared.SessionFrameStep:
		step, ok := ParseStep(f.Step)
		if !ok {
			c.logger.Warn("unknown step pushed", zap.String("step", f.Step))
			break
		}
		c.serverStepAt = c.clock.Now()
		c.serverStepSet = true
		if f.RemainingSeconds > 0 {
			c.setRemainingLocked(f.RemainingSeconds)
		}
		c.applyStepLocked(step)
	case shared.SessionFrameQueue:
		c.s.QueuePosition = f.Position
		c.events.Enqueue(Event{Kind: EventQueueAdvanced, Position: f.Position})
		if f.RemainingSeconds > 0 {
			c.setRemainingLocked(f.RemainingSeconds)
		}
	case shared.SessionFrameTime:
		c.setRemainingLocked(f.RemainingSeconds)
	case shared.SessionFrameSeatTaken:
		c.events.Enqueue(Event{Kind: EventSeatTaken, SeatID: f.SeatID})
	case shared.SessionFrameRevoked:
		reason := f.Reason
		if reason == "" {
			reason = "revoked"
		}
		c.expireLocked(reason)
	default:
		c.logger.Debug("ignored session frame", zap.String("type", f.Type))
	}
	c.mu.Unlock()

	c.events.Flush()
}

func expiryReason(err error) string {
	if errors.Is(err, ErrQueueRevoked) {
		return "revoked"
	}
	return "hold_expired"
}
