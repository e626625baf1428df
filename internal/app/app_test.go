package app

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/logging"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/session"
	"github.com/nhle/tutornotify/internal/socket"
	appsync "github.com/nhle/tutornotify/internal/sync"
	"github.com/nhle/tutornotify/internal/testutil"
	"github.com/nhle/tutornotify/internal/ui"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(baseURL string) *model.AppConfig {
	return &model.AppConfig{
		Server:    model.ServerConfig{BaseURL: baseURL, RequestTimeoutSec: 5},
		Reconnect: model.ReconnectConfig{BaseDelayMs: 3_600_000, MaxAttempts: 1},
		Inbox:     model.InboxConfig{ConfirmTimeoutSec: 5, PageSize: 20, Role: "student"},
		Display:   model.DisplayConfig{Theme: "default", RecentLimit: 5},
	}
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func snapshot(ns ...model.Notification) inbox.Snapshot {
	unread := 0
	for _, n := range ns {
		if !n.IsRead {
			unread++
		}
	}
	return inbox.Snapshot{Notifications: ns, UnreadCount: unread}
}

func notifications() []model.Notification {
	return []model.Notification{
		{ID: "b2", Type: model.TypeBookingConfirmed, Title: "Booking confirmed", CreatedAt: now.Add(-time.Minute)},
		{ID: "b1", Type: model.TypeBookingRequested, Title: "Booking requested", CreatedAt: now.Add(-time.Hour)},
		{ID: "s1", Type: model.TypeSessionReminder, Title: "Session soon", IsRead: true, CreatedAt: now.Add(-2 * time.Hour)},
	}
}

// signedIn returns a ready model holding a session against a test server.
func signedIn(t *testing.T) Model {
	t.Helper()
	srv := testutil.NewServer(t)
	st := testutil.NewTestStore(t)
	cfg := testConfig(srv.URL)

	open := func(ctx context.Context, cfg *model.AppConfig, token string) (*session.Session, error) {
		return session.Open(ctx, cfg, token, session.Deps{Store: st, Logger: logging.Discard()})
	}
	m := New(Deps{
		Config:    cfg,
		Token:     "tok",
		Open:      open,
		Clipboard: func(string) error { return nil },
		Now:       func() time.Time { return now },
		Logger:    logging.Discard(),
	})
	assert.Equal(t, ViewList, m.currentView)

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})

	sess, err := open(context.Background(), cfg, "tok")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	m, cmd := update(t, m, sessionOpenedMsg{sess: sess})
	require.NotNil(t, cmd)
	require.Same(t, sess, m.session)

	m, _ = update(t, m, appsync.SnapshotMsg{Snapshot: snapshot(notifications()...)})
	return m
}

func TestApp_StartsOnConnectWithoutToken(t *testing.T) {
	m := New(Deps{Config: testConfig("http://localhost:8080"), Logger: logging.Discard()})
	assert.Equal(t, ViewConnect, m.currentView)
	assert.NotNil(t, m.Init())

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	view := m.View()
	assert.Contains(t, view, "Server URL")
	assert.Contains(t, view, "signed out")
}

func TestApp_NotReady(t *testing.T) {
	m := New(Deps{Config: testConfig("http://localhost:8080"), Token: "tok"})
	assert.Equal(t, "Loading...", m.View())
}

func TestApp_ShowsSnapshot(t *testing.T) {
	m := signedIn(t)

	view := m.View()
	assert.Contains(t, view, "Notifications · student")
	assert.Contains(t, view, "✉ 2")
	assert.Contains(t, view, "disconnected")
	assert.Contains(t, view, "Booking confirmed")
	assert.Equal(t, 2, m.badge.Unread())
}

func TestApp_DropdownToggle(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, runes("n"))
	assert.Equal(t, ViewDropdown, m.currentView)
	assert.Contains(t, m.View(), "Session soon")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Equal(t, ViewList, m.currentView)
}

func TestApp_HelpToggle(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, runes("?"))
	assert.Equal(t, ViewHelp, m.currentView)
	assert.Contains(t, m.View(), "Keyboard Shortcuts")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ViewList, m.currentView)
}

func TestApp_ConnectionStatus(t *testing.T) {
	m := signedIn(t)

	m, cmd := update(t, m, appsync.ConnectionMsg{State: socket.StateConnected, Event: socket.Connected{}})
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "live updates connected")

	m, _ = update(t, m, appsync.ConnectionMsg{
		State: socket.StateReconnectFailed,
		Event: socket.ReconnectFailed{Attempts: 5},
	})
	assert.Contains(t, m.View(), "connection lost after 5 attempts. Press R to reconnect.")
	assert.Contains(t, m.View(), "reconnect_failed")
}

func TestApp_SyncResults(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, appsync.SyncResultMsg{NewCount: 3})
	assert.Contains(t, m.View(), "3 new notifications")

	m, _ = update(t, m, appsync.SyncResultMsg{
		Error:     errors.New("401"),
		AuthError: &appsync.AuthErrorMsg{Message: "authentication expired"},
	})
	assert.Contains(t, m.View(), "authentication expired")

	m, _ = update(t, m, appsync.SyncResultMsg{})
	assert.Empty(t, m.authErrorMessage)
}

func TestApp_ActionErrors(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, ui.ActionResultMsg{
		Op:  ui.OpMarkAllRead,
		Err: &inbox.PartialError{Failed: []string{"b1"}, Total: 3},
	})
	assert.Contains(t, m.View(), "1 of 3 notifications could not be marked read")

	m, _ = update(t, m, ui.ActionResultMsg{Op: ui.OpMarkRead, ID: "b1", Err: errors.New("timeout")})
	assert.Contains(t, m.View(), "mark read failed: timeout")
}

func TestApp_FlashExpires(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, appsync.SyncResultMsg{NewCount: 1})
	assert.Equal(t, "1 new notification", m.flash)

	m, _ = update(t, m, flashExpiredMsg{id: m.flashID - 1})
	assert.NotEmpty(t, m.flash)

	m, _ = update(t, m, flashExpiredMsg{id: m.flashID})
	assert.Empty(t, m.flash)
}

func TestApp_ConfigReload(t *testing.T) {
	m := signedIn(t)
	assert.Len(t, m.dropdown.Items(), 3)

	cfg := testConfig("http://ignored")
	cfg.Display.RecentLimit = 1
	m, cmd := update(t, m, configChangedMsg{cfg: cfg})
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, m.cfg.Display.RecentLimit)
	assert.NotEqual(t, "http://ignored", m.cfg.Server.BaseURL)

	m, _ = update(t, m, appsync.SnapshotMsg{Snapshot: snapshot(notifications()...)})
	assert.Len(t, m.dropdown.Items(), 1)
}

func TestApp_SearchKeepsQuitKey(t *testing.T) {
	m := signedIn(t)

	m, _ = update(t, m, runes("/"))
	require.True(t, m.list.Searching())

	m, _ = update(t, m, runes("q"))
	assert.NotNil(t, m.session)
}

func TestApp_Quit(t *testing.T) {
	m := signedIn(t)

	m, cmd := update(t, m, runes("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Nil(t, m.session)
	assert.NoError(t, m.Close())
}

func TestApp_ConnectViewCancel(t *testing.T) {
	m := signedIn(t)

	m, cmd := update(t, m, runes("L"))
	assert.Equal(t, ViewConnect, m.currentView)
	assert.NotNil(t, cmd)

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Equal(t, ViewList, m.currentView)
	assert.NotNil(t, m.session)
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "1 new notification", plural(1, "new notification"))
	assert.Equal(t, "4 new notifications", plural(4, "new notification"))
}
