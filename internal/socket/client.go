package socket

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nhle/tutornotify/internal/metrics"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("socket client closed")

// errStale marks a dial whose result was superseded by Disconnect or a
// newer attempt.
var errStale = errors.New("dial superseded")

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectFailed:
		return "reconnect_failed"
	default:
		return "disconnected"
	}
}

// Config holds the endpoint and reconnect policy.
type Config struct {
	URL string

	// BaseDelay is the wait before the first reconnect attempt. Attempt k
	// waits BaseDelay * 2^(k-1), capped at MaxDelay when MaxDelay > 0.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int

	HandshakeTimeout time.Duration
}

// Handler receives dispatched events. Returned errors are logged.
type Handler func(Event) error

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records connection activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is a reconnecting push channel client. Each session owns one.
// Handlers run one at a time on a single dispatcher goroutine, in the
// order events arrived.
type Client struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	// schedule runs f after d; the returned func cancels it.
	schedule func(d time.Duration, f func()) (cancel func())

	mu          sync.Mutex
	state       State
	credential  string
	conn        Conn
	gen         uint64
	attempts    int
	backoff     *backoff.ExponentialBackOff
	timerToken  uint64
	cancelTimer func()
	cancelDial  context.CancelFunc
	closed      bool

	handlersMu sync.Mutex
	handlers   map[Kind][]registration
	nextID     HandlerID

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	writeMu sync.Mutex
}

// New creates a disconnected Client and starts its dispatcher. A nil
// dialer uses a gorilla/websocket dialer.
func New(cfg Config, dialer Dialer, opts ...Option) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if dialer == nil {
		dialer = NewDialer(cfg.HandshakeTimeout)
	}

	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		logger:   slog.Default(),
		schedule: afterFunc,
		handlers: make(map[Kind][]registration),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.backoff = newBackoff(cfg)
	c.metrics.SetConnectionState(c.state.String())

	go c.dispatch()
	return c
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.MaxInterval = 24 * time.Hour
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
		b.InitialInterval = min(cfg.BaseDelay, cfg.MaxDelay)
	}
	b.Reset()
	return b
}

func afterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection with the given bearer credential. It is a
// no-op while connecting or connected. A failed dial emits an Error
// event, schedules a reconnect, and is also returned.
func (c *Client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.credential = credential
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnecting)
	gen, dctx, cancel := c.beginDialLocked(ctx)
	c.mu.Unlock()

	err := c.dial(dctx, gen, cancel)
	if err == nil {
		return nil
	}
	if !c.dialFailed(gen, err) {
		if c.isClosed() {
			return ErrClosed
		}
		return nil
	}
	return err
}

// Disconnect tears down the live connection and cancels any pending
// reconnect. It is idempotent and safe to call from a handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn, wasActive := c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasActive {
		c.logger.Info("socket disconnected")
		c.emit(Disconnected{Manual: true})
	}
}

// Close disconnects, stops the dispatcher and waits for it. No handler
// runs and no dial starts once Close returns. Close must not be called
// from a handler; use Disconnect there.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.stopped
		return
	}
	c.closed = true
	conn, _ := c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	close(c.done)
	<-c.stopped
	c.logger.Debug("socket client closed")
}

// teardownLocked invalidates the current connection, dial, and timer.
func (c *Client) teardownLocked() (Conn, bool) {
	c.gen++
	c.timerToken++
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	wasActive := c.state == StateConnecting || c.state == StateConnected
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateDisconnected)
	return conn, wasActive
}

func (c *Client) beginDialLocked(parent context.Context) (uint64, context.Context, context.CancelFunc) {
	c.gen++
	ctx, cancel := context.WithCancel(parent)
	c.cancelDial = cancel
	return c.gen, ctx, cancel
}

// dial opens a connection for generation gen and starts its reader.
func (c *Client) dial(ctx context.Context, gen uint64, cancel context.CancelFunc) error {
	defer cancel()

	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.cfg.URL, credential)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return errStale
	}
	c.conn = conn
	c.cancelDial = nil
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("socket connected", "url", c.cfg.URL)
	c.emit(Connected{})
	go c.readLoop(conn, gen)
	return nil
}

// dialFailed reports err and schedules the next attempt. It returns
// false when gen is no longer current.
func (c *Client) dialFailed(gen uint64, err error) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.cancelDial = nil
	c.logger.Warn("socket dial failed", "attempt", c.attempts, "error", err)
	events := []Event{Error{Err: err}}
	if ev := c.scheduleReconnectLocked(); ev != nil {
		events = append(events, ev)
	}
	c.mu.Unlock()

	c.emit(events...)
	return true
}

// scheduleReconnectLocked arms the next attempt, or enters
// StateReconnectFailed and returns the event to emit.
func (c *Client) scheduleReconnectLocked() Event {
	if c.attempts >= c.cfg.MaxAttempts {
		c.setStateLocked(StateReconnectFailed)
		c.logger.Error("socket reconnect attempts exhausted", "attempts", c.attempts)
		return ReconnectFailed{Attempts: c.attempts}
	}

	c.attempts++
	delay := c.backoff.NextBackOff()
	c.timerToken++
	token := c.timerToken
	c.cancelTimer = c.schedule(delay, func() { c.reconnect(token) })
	c.setStateLocked(StateConnecting)
	c.logger.Info("socket reconnect scheduled", "attempt", c.attempts, "delay", delay)
	return nil
}

// reconnect runs when the timer tagged token fires.
func (c *Client) reconnect(token uint64) {
	c.mu.Lock()
	if c.closed || token != c.timerToken || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.cancelTimer = nil
	gen, ctx, cancel := c.beginDialLocked(context.Background())
	attempt := c.attempts
	c.mu.Unlock()

	c.metrics.ReconnectAttempt()
	c.logger.Debug("socket reconnecting", "attempt", attempt)
	if err := c.dial(ctx, gen, cancel); err != nil {
		c.dialFailed(gen, err)
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		ev, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping socket frame", "error", err)
			continue
		}
		if !c.current(gen) {
			return
		}
		c.emit(ev)
	}
}

// dropped handles a connection that ended without Disconnect.
func (c *Client) dropped(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++

	events := []Event{Disconnected{Err: err}}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		events = append(events, Error{Err: err})
	}
	if ev := c.scheduleReconnectLocked(); ev != nil {
		events = append(events, ev)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Warn("socket connection lost", "error", err)
	c.emit(events...)
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.metrics.SetConnectionState(s.String())
}

// On registers h for events of kind. Handlers for a kind run in
// registration order.
func (c *Client) On(kind Kind, h Handler) HandlerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	c.handlers[kind] = append(c.handlers[kind], registration{id: c.nextID, fn: h})
	return c.nextID
}

// Off removes the handler registered under id for kind.
func (c *Client) Off(kind Kind, id HandlerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = slices.DeleteFunc(c.handlers[kind], func(r registration) bool {
		return r.id == id
	})
}

// Subscribe registers a handler for the event type E and returns a func
// that removes it.
func Subscribe[E Event](c *Client, fn func(E) error) func() {
	var zero E
	kind := zero.Kind()
	id := c.On(kind, func(ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return nil
		}
		return fn(e)
	})
	return func() { c.Off(kind, id) }
}

func (c *Client) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, events...)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dispatch() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			if c.stopping() {
				return
			}
			c.deliver(ev)
		}
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) deliver(ev Event) {
	c.metrics.EventReceived(string(ev.Kind()))

	c.handlersMu.Lock()
	regs := slices.Clone(c.handlers[ev.Kind()])
	c.handlersMu.Unlock()

	for _, r := range regs {
		if c.stopping() {
			return
		}
		c.invoke(r, ev)
	}
}

func (c *Client) invoke(r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("socket handler panicked",
				"kind", ev.Kind(), "handler", r.id, "panic", p)
		}
	}()
	if err := r.fn(ev); err != nil {
		c.logger.Warn("socket handler failed",
			"kind", ev.Kind(), "handler", r.id, "error", err)
	}
}

// MarkAsRead hints the server that id was read. It reports whether the
// hint was written; nothing is sent unless connected.
func (c *Client) MarkAsRead(id string) bool {
	return c.send(outMarkRead, idPayload{ID: id})
}

// MarkAllAsRead hints the server that everything was read.
func (c *Client) MarkAllAsRead() bool {
	return c.send(outMarkAllRead, nil)
}

// DeleteNotification asks the server to delete id.
func (c *Client) DeleteNotification(id string) bool {
	return c.send(outDelete, idPayload{ID: id})
}

func (c *Client) send(event string, data any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(outbound{Event: event, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("socket write failed", "event", event, "error", err)
		return false
	}
	return true
}
