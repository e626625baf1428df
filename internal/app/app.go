package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/credential"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/session"
	"github.com/nhle/tutornotify/internal/socket"
	appsync "github.com/nhle/tutornotify/internal/sync"
	"github.com/nhle/tutornotify/internal/theme"
	"github.com/nhle/tutornotify/internal/ui"
	"github.com/nhle/tutornotify/internal/ui/badge"
	connectview "github.com/nhle/tutornotify/internal/ui/connect"
	"github.com/nhle/tutornotify/internal/ui/dropdown"
	helpview "github.com/nhle/tutornotify/internal/ui/help"
	"github.com/nhle/tutornotify/internal/ui/notiflist"
)

// flashDuration is how long a transient status message stays up.
const flashDuration = 3 * time.Second

// openTimeout bounds building a session (cache warm start).
const openTimeout = 10 * time.Second

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewList ViewState = iota
	ViewDropdown
	ViewHelp
	ViewConnect
)

// Opener builds a session for a credential.
type Opener func(ctx context.Context, cfg *model.AppConfig, token string) (*session.Session, error)

// Deps are the collaborators of the root model.
type Deps struct {
	Config     *model.AppConfig
	ConfigPath string
	Vault      *credential.Vault

	// Token is the stored credential. Empty starts on the connect form.
	Token string
	Open  Opener

	Clipboard func(string) error
	Now       func() time.Time
	Logger    *slog.Logger
}

type sessionOpenedMsg struct {
	sess *session.Session
	err  error
}

type sessionStartedMsg struct {
	err error
}

type configChangedMsg struct {
	cfg *model.AppConfig
}

type flashExpiredMsg struct {
	id int
}

// Model is the root Bubble Tea model. It owns the session and routes
// its messages to the badge, dropdown and list widgets.
type Model struct {
	deps   Deps
	cfg    *model.AppConfig
	keys   *keys.KeyMap
	logger *slog.Logger

	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	ready        bool

	session   *session.Session
	connState socket.State

	badge       badge.Model
	dropdown    dropdown.Model
	list        notiflist.Model
	helpView    helpview.Model
	connectView connectview.Model

	authErrorMessage string
	errorMessage     string
	flash            string
	flashID          int

	configCh chan *model.AppConfig
}

// New creates the root model. It does not open a session until Init.
func New(deps Deps) Model {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Open == nil {
		vault, logger := deps.Vault, deps.Logger
		deps.Open = func(ctx context.Context, cfg *model.AppConfig, token string) (*session.Session, error) {
			return session.Open(ctx, cfg, token, session.Deps{Vault: vault, Logger: logger})
		}
	}
	theme.Apply(deps.Config.Display.Theme)

	k := keys.DefaultKeyMap()
	m := Model{
		deps:        deps,
		cfg:         deps.Config,
		keys:        k,
		logger:      deps.Logger,
		helpView:    helpview.New(k, 80, 24),
		connectView: connectview.New(deps.Config, deps.ConfigPath, deps.Vault, k),
		configCh:    make(chan *model.AppConfig, 1),
	}
	m.bindWidgets(nil)
	if deps.Token == "" {
		m.currentView = ViewConnect
	}
	return m
}

// bindWidgets rebuilds the widgets that act on the inbox.
func (m *Model) bindWidgets(in *inbox.Inbox) {
	var actions ui.Actions
	if in != nil {
		actions = in
	}

	var opts []notiflist.Option
	opts = append(opts, notiflist.WithClock(m.deps.Now))
	if m.deps.Clipboard != nil {
		opts = append(opts, notiflist.WithClipboard(m.deps.Clipboard))
	}

	w, h := 80, 24
	if m.ready {
		w, h = m.layout.ContentWidth(), m.layout.ContentHeight()
	}
	m.badge = badge.Model{}
	m.list = notiflist.New(actions, m.keys, model.Role(m.cfg.Inbox.Role), w, h, opts...)
	m.dropdown = dropdown.New(actions, m.keys, m.cfg.Display.RecentLimit, m.deps.Now)
	m.dropdown.SetWidth(dropdownWidth(w))
}

// Init opens the session for the stored token, or shows the connect
// form, and starts watching the config file.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.watchConfig()}
	if m.deps.Token != "" {
		cmds = append(cmds, m.openSession(m.cfg, m.deps.Token))
	} else {
		cmds = append(cmds, m.connectView.Init())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		contentWidth := m.layout.ContentWidth()
		contentHeight := m.layout.ContentHeight()
		m.list.SetSize(contentWidth, contentHeight)
		m.dropdown.SetWidth(dropdownWidth(contentWidth))
		m.helpView.SetSize(contentWidth, contentHeight)
		m.connectView.SetSize(contentWidth, contentHeight)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case sessionOpenedMsg:
		return m.handleSessionOpened(msg)

	case sessionStartedMsg:
		if msg.err != nil && !errors.Is(msg.err, socket.ErrClosed) {
			m.errorMessage = "connect failed: " + msg.err.Error()
		}
		return m, nil

	case appsync.SnapshotMsg:
		m.badge.SetSnapshot(msg.Snapshot)
		m.dropdown.SetSnapshot(msg.Snapshot)
		m.helpView.SetSnapshot(msg.Snapshot)
		cmd := m.list.SetSnapshot(msg.Snapshot)
		return m, tea.Batch(cmd, m.waitForSession())

	case appsync.ConnectionMsg:
		m.connState = msg.State
		m.helpView.SetState(msg.State)
		var cmd tea.Cmd
		switch ev := msg.Event.(type) {
		case socket.Connected:
			m.errorMessage = ""
			cmd = m.setFlash("live updates connected")
		case socket.Error:
			m.errorMessage = "connection error: " + ev.Err.Error()
		case socket.ReconnectFailed:
			m.errorMessage = fmt.Sprintf(
				"connection lost after %d attempts. Press R to reconnect.", ev.Attempts)
		}
		return m, tea.Batch(cmd, m.waitForSession())

	case appsync.SyncResultMsg:
		var cmd tea.Cmd
		switch {
		case msg.AuthError != nil:
			m.authErrorMessage = msg.AuthError.Message
		case msg.Error != nil:
			m.errorMessage = "refresh failed: " + msg.Error.Error()
		default:
			m.authErrorMessage = ""
			if msg.NewCount > 0 {
				cmd = m.setFlash(plural(msg.NewCount, "new notification"))
			}
		}
		return m, tea.Batch(cmd, m.waitForSession())

	case ui.ActionResultMsg:
		cmd := m.handleActionResult(msg)
		return m, cmd

	case notiflist.CopiedMsg:
		if msg.Err != nil {
			m.errorMessage = "copy failed: " + msg.Err.Error()
			return m, nil
		}
		cmd := m.setFlash("copied to clipboard")
		return m, cmd

	case dropdown.ClosedMsg:
		if m.currentView == ViewDropdown {
			m.currentView = ViewList
		}
		return m, nil

	case connectview.ConnectedMsg:
		m.cfg = msg.Config
		theme.Apply(m.cfg.Display.Theme)
		m.authErrorMessage = ""
		m.errorMessage = ""
		m.currentView = ViewList
		return m, m.openSession(m.cfg, msg.Token)

	case connectview.CancelledMsg:
		m.currentView = m.previousView
		if m.currentView == ViewConnect {
			m.currentView = ViewList
		}
		return m, nil

	case configChangedMsg:
		m.applyDisplay(msg.cfg.Display)
		return m, m.waitForConfig()

	case flashExpiredMsg:
		if msg.id == m.flashID {
			m.flash = ""
		}
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKeys(msg); handled {
			return m, cmd
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// handleGlobalKeys processes keys owned by the root model. Text input
// views only give up ctrl+c.
func (m *Model) handleGlobalKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	typing := m.currentView == ViewConnect ||
		(m.currentView == ViewList && m.list.Searching())
	if typing {
		if msg.String() == "ctrl+c" {
			return m.quit(), true
		}
		return nil, false
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit(), true

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
		} else {
			m.previousView = m.currentView
			m.currentView = ViewHelp
		}
		return nil, true

	case key.Matches(msg, m.keys.Back) && m.currentView == ViewHelp:
		m.currentView = m.previousView
		return nil, true

	case key.Matches(msg, m.keys.Dropdown):
		switch m.currentView {
		case ViewList:
			m.currentView = ViewDropdown
			return nil, true
		case ViewDropdown:
			m.currentView = ViewList
			return nil, true
		}

	case key.Matches(msg, m.keys.Refresh):
		if m.session == nil {
			return nil, true
		}
		m.errorMessage = ""
		return tea.Batch(m.session.Poller().Refresh(), m.setFlash("refreshing...")), true

	case key.Matches(msg, m.keys.Reconnect):
		if m.session == nil {
			return nil, true
		}
		m.errorMessage = ""
		return tea.Batch(startSession(m.session), m.setFlash("reconnecting...")), true

	case key.Matches(msg, m.keys.Connect):
		m.previousView = m.currentView
		m.currentView = ViewConnect
		m.connectView = connectview.New(m.cfg, m.deps.ConfigPath, m.deps.Vault, m.keys)
		m.connectView.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		return m.connectView.Init(), true
	}
	return nil, false
}

func (m Model) handleSessionOpened(msg sessionOpenedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.logger.Error("opening session", "err", msg.err)
		if errors.Is(msg.err, session.ErrNoCredential) {
			m.currentView = ViewConnect
			return m, m.connectView.Init()
		}
		m.errorMessage = "could not start: " + msg.err.Error()
		return m, nil
	}

	m.closeSession()
	m.session = msg.sess
	m.connState = socket.StateDisconnected
	m.helpView.SetState(m.connState)
	m.bindWidgets(msg.sess.Inbox())

	snap := msg.sess.Inbox().Snapshot()
	m.badge.SetSnapshot(snap)
	m.dropdown.SetSnapshot(snap)
	m.helpView.SetSnapshot(snap)
	listCmd := m.list.SetSnapshot(snap)

	return m, tea.Batch(
		listCmd,
		msg.sess.Poller().Start(),
		startSession(msg.sess),
	)
}

func (m *Model) handleActionResult(msg ui.ActionResultMsg) tea.Cmd {
	if msg.Err == nil {
		if msg.Op == ui.OpMarkAllRead {
			return m.setFlash("all notifications marked read")
		}
		return nil
	}

	var partial *inbox.PartialError
	switch {
	case errors.As(msg.Err, &partial):
		m.errorMessage = partial.Error()
	case backend.IsAuthError(msg.Err):
		m.authErrorMessage = "authentication expired. Press 'L' to sign in again."
	case msg.Op == ui.OpMarkAllRead:
		m.errorMessage = "mark all read failed: " + msg.Err.Error()
	default:
		m.errorMessage = "mark read failed: " + msg.Err.Error()
	}
	return nil
}

// applyDisplay takes the hot-reloadable display settings.
func (m *Model) applyDisplay(d model.DisplayConfig) {
	cfg := *m.cfg
	cfg.Display.Theme = d.Theme
	cfg.Display.RecentLimit = d.RecentLimit
	m.cfg = &cfg

	theme.Apply(d.Theme)
	m.dropdown.SetLimit(d.RecentLimit)
	if m.session != nil {
		snap := m.session.Inbox().Snapshot()
		m.dropdown.SetSnapshot(snap)
	}
}

// quit tears the session down and exits.
func (m *Model) quit() tea.Cmd {
	m.closeSession()
	return tea.Quit
}

// Close releases the session. It is safe to call after quitting.
func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Close()
}

func (m *Model) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.logger.Warn("closing session", "err", err)
	}
	m.session = nil
}

func (m *Model) setFlash(text string) tea.Cmd {
	m.flashID++
	m.flash = text
	id := m.flashID
	return tea.Tick(flashDuration, func(time.Time) tea.Msg {
		return flashExpiredMsg{id: id}
	})
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewList:
		m.list, cmd = m.list.Update(msg)
	case ViewDropdown:
		m.dropdown, cmd = m.dropdown.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewConnect:
		m.connectView, cmd = m.connectView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader(m.headerTitle(), m.headerRight())
	content := m.renderContent()
	text, isErr := m.statusText()
	statusBar := m.layout.RenderStatusBar(text, isErr)

	return m.layout.RenderWithFrame(header, content, statusBar)
}

func (m Model) headerTitle() string {
	title := "Notifications"
	if m.cfg.Inbox.Role != "" {
		title += " · " + m.cfg.Inbox.Role
	}
	return title
}

// headerRight renders the badge, connection state and refresh state.
func (m Model) headerRight() string {
	if m.session == nil {
		return theme.ConnectionStyle("").Render(" signed out ")
	}
	state := m.connState.String()
	conn := theme.ConnectionStyle(state).Render("● " + state)

	status := m.session.Poller().Status()
	syncText := status.State.String()
	if status.State == appsync.SyncIdle && !status.LastSync.IsZero() {
		syncText = "synced " + ui.RelativeTime(status.LastSync, m.deps.Now())
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.badge.View(),
		" ",
		conn,
		" ",
		theme.DimmedStyle.Render(syncText),
		" ",
	)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewList:
		return m.list.View()
	case ViewDropdown:
		return lipgloss.Place(
			m.layout.ContentWidth(), m.layout.ContentHeight(),
			lipgloss.Right, lipgloss.Top,
			m.dropdown.View(),
		)
	case ViewHelp:
		return m.helpView.View()
	case ViewConnect:
		return m.connectView.View()
	default:
		return ""
	}
}

// statusText picks the status bar content: errors first, then transient
// messages, then key hints.
func (m Model) statusText() (string, bool) {
	if m.authErrorMessage != "" && m.currentView != ViewConnect {
		return m.authErrorMessage, true
	}
	if m.errorMessage != "" && m.currentView != ViewConnect {
		return m.errorMessage, true
	}
	if m.flash != "" {
		return m.flash, false
	}
	return m.keyHints(), false
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewDropdown:
		return "j/k move | enter read | A read all | esc close"
	case ViewConnect:
		return "tab next field | enter submit | esc cancel"
	default:
		if m.session == nil {
			return "L sign in | ? help | q quit"
		}
		if m.list.Searching() {
			return "enter apply | esc clear"
		}
		return "q quit | ? help | n recent | enter read | A read all | / search | u unread | 1-9 category"
	}
}

// openSession returns a command that builds a session for token.
func (m Model) openSession(cfg *model.AppConfig, token string) tea.Cmd {
	open := m.deps.Open
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		sess, err := open(ctx, cfg, token)
		return sessionOpenedMsg{sess: sess, err: err}
	}
}

// startSession connects the push channel. Failures surface as
// connection events.
func startSession(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		return sessionStartedMsg{err: sess.Start(context.Background())}
	}
}

// waitForSession continues listening for session messages.
func (m Model) waitForSession() tea.Cmd {
	if m.session == nil {
		return nil
	}
	return m.session.Poller().WaitForNextResult()
}

// watchConfig starts the config file watcher and waits for the first change.
func (m Model) watchConfig() tea.Cmd {
	if m.deps.ConfigPath == "" {
		return nil
	}
	path, ch, logger := m.deps.ConfigPath, m.configCh, m.logger
	return func() tea.Msg {
		model.WatchConfig(path, func(cfg *model.AppConfig) {
			select {
			case ch <- cfg:
			default:
				// The UI has not consumed the previous change yet.
			}
		}, func(err error) {
			logger.Warn("config reload", "err", err)
		})
		return configChangedMsg{cfg: <-ch}
	}
}

func (m Model) waitForConfig() tea.Cmd {
	ch := m.configCh
	return func() tea.Msg {
		return configChangedMsg{cfg: <-ch}
	}
}

func dropdownWidth(contentWidth int) int {
	return max(30, min(60, contentWidth-2))
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
