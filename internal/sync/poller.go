package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/socket"
	"github.com/nhle/tutornotify/internal/store"
)

// SyncState represents the current state of the background refresh.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "syncing"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the refresh state.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// SyncResultMsg is a tea.Msg sent when a refresh completes.
type SyncResultMsg struct {
	Page      *backend.Page
	Error     error
	AuthError *AuthErrorMsg
	NewCount  int
}

// SnapshotMsg is a tea.Msg carrying the latest inbox snapshot.
type SnapshotMsg struct {
	Snapshot inbox.Snapshot
}

// ConnectionMsg is a tea.Msg sent when the socket connection changes.
type ConnectionMsg struct {
	State socket.State
	Event socket.Event
}

// AuthErrorMsg is a tea.Msg sent when the server rejects the credential.
type AuthErrorMsg struct {
	Message string
}

// fetchTimeout is the maximum time allowed for a single fetch operation.
const fetchTimeout = 30 * time.Second

// Inbox is the part of the notification store the poller drives.
type Inbox interface {
	FetchNotifications(ctx context.Context, params backend.ListParams) (*backend.Page, error)
	Subscribe() (<-chan inbox.Snapshot, func())
}

// Config controls the refresh cadence.
type Config struct {
	// Interval between periodic refreshes. Zero refreshes only on start
	// and on Refresh.
	Interval time.Duration
	PageSize int
	Role     model.Role
}

// Option configures a Poller.
type Option func(*Poller)

// WithStore records the last successful sync in s.
func WithStore(s store.Store) Option {
	return func(p *Poller) { p.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// Poller refreshes the inbox in the background and fans inbox snapshots,
// connection changes and refresh results into one channel for the UI.
type Poller struct {
	inbox  Inbox
	cfg    Config
	store  store.Store
	logger *slog.Logger

	status    SyncStatus
	seen      map[string]bool
	resultCh  chan tea.Msg
	triggerCh chan struct{}
	stopCh    chan struct{}
	unwatch   []func()
	mu        gosync.Mutex
	running   bool
	stopped   bool
	wg        gosync.WaitGroup
}

// New creates a new Poller over in.
func New(in Inbox, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		inbox:     in,
		cfg:       cfg,
		logger:    slog.Default(),
		resultCh:  make(chan tea.Msg, 64),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WatchConnection forwards connection lifecycle events from c.
func (p *Poller) WatchConnection(c *socket.Client) {
	forward := func(ev socket.Event) error {
		p.sendConnection(ConnectionMsg{State: c.State(), Event: ev})
		return nil
	}
	var unsubs []func()
	for _, kind := range []socket.Kind{
		socket.KindConnected,
		socket.KindDisconnected,
		socket.KindError,
		socket.KindReconnectFailed,
	} {
		id := c.On(kind, forward)
		unsubs = append(unsubs, func() { c.Off(kind, id) })
	}

	p.mu.Lock()
	p.unwatch = append(p.unwatch, unsubs...)
	p.mu.Unlock()
}

// Start returns a tea.Cmd that starts the polling and snapshot goroutines
// and waits for the first message.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	snapshots, cancel := p.inbox.Subscribe()
	p.wg.Add(2)
	go p.poll()
	go p.forwardSnapshots(snapshots, cancel)

	return p.waitForResult()
}

// Stop halts the background goroutines and waits for them. A stopped
// Poller cannot be restarted.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.running = false
	close(p.stopCh)
	unwatch := p.unwatch
	p.unwatch = nil
	p.mu.Unlock()

	for _, f := range unwatch {
		f()
	}
	p.wg.Wait()
}

// Refresh triggers an immediate fetch.
func (p *Poller) Refresh() tea.Cmd {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A refresh is already queued.
	}
	return nil
}

// Status returns the current refresh status.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) poll() {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.cfg.Interval > 0 {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Do an initial fetch immediately
	p.fetch()

	for {
		select {
		case <-p.stopCh:
			return
		case <-tick:
			p.fetch()
		case <-p.triggerCh:
			p.fetch()
		}
	}
}

func (p *Poller) forwardSnapshots(snapshots <-chan inbox.Snapshot, cancel func()) {
	defer p.wg.Done()
	defer cancel()

	for {
		select {
		case <-p.stopCh:
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			select {
			case p.resultCh <- SnapshotMsg{Snapshot: snap}:
			case <-p.stopCh:
				return
			}
		}
	}
}

// fetch refreshes page 1 and reports the result.
func (p *Poller) fetch() {
	p.setStatus(SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	page, err := p.inbox.FetchNotifications(ctx, backend.ListParams{
		Page:  1,
		Limit: p.cfg.PageSize,
		Role:  p.cfg.Role,
	})
	if err != nil {
		p.setStatus(SyncError, err)
		p.logger.Warn("refresh failed", "err", err)

		// Detect auth errors and emit a specific message.
		if backend.IsAuthError(err) {
			p.sendResult(SyncResultMsg{
				Error: err,
				AuthError: &AuthErrorMsg{
					Message: "authentication expired. Run 'tutornotify login' or press 'L' to sign in again.",
				},
			})
			return
		}

		p.sendResult(SyncResultMsg{Error: err})
		return
	}

	newCount := p.countNew(page.Notifications)

	now := p.setStatus(SyncIdle, nil)
	if p.store != nil {
		if err := p.store.SetSyncState(ctx, store.KeyLastSync, now.Format(time.RFC3339)); err != nil {
			p.logger.Warn("recording last sync", "err", err)
		}
	}

	p.sendResult(SyncResultMsg{Page: page, NewCount: newCount})
}

// countNew reports how many ids were not seen in earlier refreshes. The
// first refresh only establishes the baseline.
func (p *Poller) countNew(ns []model.Notification) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.seen == nil
	if first {
		p.seen = make(map[string]bool, len(ns))
	}
	count := 0
	for _, n := range ns {
		if !p.seen[n.ID] {
			p.seen[n.ID] = true
			if !first && !n.IsRead {
				count++
			}
		}
	}
	return count
}

// setStatus updates the refresh status and returns the time it used.
func (p *Poller) setStatus(state SyncState, err error) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.status.State = state
	p.status.Error = err
	if state == SyncIdle && err == nil {
		p.status.LastSync = now
	}
	return now
}

// sendResult sends a message on the result channel without blocking.
func (p *Poller) sendResult(msg tea.Msg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// sendConnection delivers a connection change. Once started, it waits for
// room instead of dropping: ReconnectFailed is emitted only once.
func (p *Poller) sendConnection(msg ConnectionMsg) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		p.sendResult(msg)
		return
	}
	select {
	case p.resultCh <- msg:
	case <-p.stopCh:
	}
}

// waitForResult returns a tea.Cmd that waits for the next message from
// the result channel.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-p.resultCh:
			return msg
		case <-p.stopCh:
			return nil
		}
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next message.
// This should be called after processing each poller message to continue
// listening for future ones.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
