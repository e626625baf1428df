package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errDialRefused = errors.New("connection refused")

// fakeConn is an in-memory Conn. Tests push frames and read errors.
type fakeConn struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.frames:
		return websocket.TextMessage, b, nil
	case err := <-f.errs:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	f.frames <- raw
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

// fakeDialer answers dials from a script; calls past the script fail.
type fakeDialer struct {
	mu          sync.Mutex
	script      []func() (Conn, error)
	calls       int
	credentials []string
}

func (d *fakeDialer) Dial(_ context.Context, _ string, credential string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials = append(d.credentials, credential)
	i := d.calls
	d.calls++
	if i < len(d.script) {
		return d.script[i]()
	}
	return nil, errDialRefused
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func succeed(conn *fakeConn) func() (Conn, error) {
	return func() (Conn, error) { return conn, nil }
}

func fail() func() (Conn, error) {
	return func() (Conn, error) { return nil, errDialRefused }
}

// fakeScheduler records delays and fires timers on demand.
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	f         func()
	cancelled bool
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// fire runs the oldest pending timer, cancelled or not, and reports
// whether it had been cancelled.
func (s *fakeScheduler) fire(t *testing.T) bool {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) > 0
	}, 2*time.Second, 5*time.Millisecond, "no timer scheduled")

	s.mu.Lock()
	timer := s.pending[0]
	s.pending = s.pending[1:]
	cancelled := timer.cancelled
	s.mu.Unlock()

	timer.f()
	return cancelled
}

func (s *fakeScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// recorder collects every dispatched event.
type recorder struct {
	events chan Event
}

func record(c *Client) *recorder {
	r := &recorder{events: make(chan Event, 64)}
	for _, k := range []Kind{
		KindConnected, KindDisconnected, KindError, KindReconnectFailed,
		KindNotificationNew, KindNotificationUpdated,
		KindNotificationDeleted, KindNotificationRead,
	} {
		c.On(k, func(ev Event) error {
			r.events <- ev
			return nil
		})
	}
	return r
}

// next waits for the next event of kind, skipping others.
func (r *recorder) next(t *testing.T, kind Kind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

// quiet asserts no event of kind arrives within a short window.
func (r *recorder) quiet(t *testing.T, kind Kind) {
	t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind() == kind {
				t.Fatalf("unexpected %s event: %#v", kind, ev)
			}
		case <-timeout:
			return
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, cfg Config, d Dialer) (*Client, *fakeScheduler) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://test/ws"
	}
	c := New(cfg, d, WithLogger(testLogger()))
	s := &fakeScheduler{}
	c.schedule = s.schedule
	t.Cleanup(c.Close)
	return c, s
}
