package notiflist

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/tutornotify/internal/filter"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/ui"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingActions struct {
	read []string
	all  int
}

func (r *recordingActions) MarkAsRead(_ context.Context, id string) error {
	r.read = append(r.read, id)
	return nil
}

func (r *recordingActions) MarkAllAsRead(context.Context) error {
	r.all++
	return nil
}

func fixtures() inbox.Snapshot {
	ns := []model.Notification{
		{ID: "pay", Type: model.TypePaymentFailed, Title: "Payment failed", Content: "Card ending {last4}", Metadata: map[string]any{"last4": "4242"}, CreatedAt: now.Add(-1 * time.Minute)},
		{ID: "book", Type: model.TypeBookingConfirmed, Title: "Booking confirmed", Content: "Algebra with {tutor}", Metadata: map[string]any{"tutor": "Ana"}, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "msg", Type: model.TypeMessageReceived, Title: "New message", IsRead: true, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "payout", Type: model.TypePayoutSent, Title: "Payout sent", CreatedAt: now.Add(-20 * time.Minute)},
	}
	return inbox.Snapshot{Notifications: ns, UnreadCount: 3}
}

func press(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func ids(ns []model.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func newModel(t *testing.T, a ui.Actions, opts ...Option) Model {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	m := New(a, keys.DefaultKeyMap(), "", 100, 30, opts...)
	m.SetSnapshot(fixtures())
	return m
}

func TestList_ShowsSnapshot(t *testing.T) {
	m := newModel(t, &recordingActions{})
	assert.Equal(t, []string{"pay", "book", "msg", "payout"}, ids(m.Visible()))

	view := m.View()
	assert.Contains(t, view, "Payment failed")
	assert.Contains(t, view, "Card ending 4242")
	assert.Contains(t, view, "5m ago")
	assert.Contains(t, view, "PAYMENT")
}

func TestList_Filters(t *testing.T) {
	m := newModel(t, &recordingActions{})

	m, _ = m.Update(press("u"))
	assert.Equal(t, filter.UnreadOnly, m.Filter().Read)
	assert.Equal(t, []string{"pay", "book", "payout"}, ids(m.Visible()))
	assert.Contains(t, m.View(), "unread")

	m, _ = m.Update(press("1")) // booking
	assert.Equal(t, []string{"book"}, ids(m.Visible()))

	m, _ = m.Update(press("5")) // payout
	assert.Equal(t, []string{"book", "payout"}, ids(m.Visible()))

	m, _ = m.Update(press("1"))
	m, _ = m.Update(press("5"))
	m, _ = m.Update(press("u"))
	assert.Len(t, m.Visible(), 4)

	m, _ = m.Update(press("tab"))
	assert.Equal(t, filter.OldestFirst, m.Filter().Order)
	assert.Equal(t, []string{"payout", "msg", "book", "pay"}, ids(m.Visible()))

	m, _ = m.Update(press("tab"))
	assert.Equal(t, filter.PriorityFirst, m.Filter().Order)
	assert.Equal(t, "pay", m.Visible()[0].ID)
}

func TestList_RoleScope(t *testing.T) {
	m := New(&recordingActions{}, keys.DefaultKeyMap(), model.RoleStudent, 100, 30)
	m.SetSnapshot(fixtures())
	assert.NotContains(t, ids(m.Visible()), "payout")

	m.SetRole(model.RoleTutor)
	assert.Contains(t, ids(m.Visible()), "payout")
}

func TestList_Search(t *testing.T) {
	m := newModel(t, &recordingActions{})

	m, _ = m.Update(press("/"))
	require.True(t, m.Searching())
	for _, r := range "ana" {
		m, _ = m.Update(press(string(r)))
	}
	m, _ = m.Update(press("enter"))
	assert.False(t, m.Searching())
	assert.Equal(t, "ana", m.Filter().Query)
	assert.Equal(t, []string{"book"}, ids(m.Visible()))

	m, _ = m.Update(press("/"))
	m, _ = m.Update(press("esc"))
	assert.Empty(t, m.Filter().Query)
	assert.Len(t, m.Visible(), 4)
}

func TestList_EmptyStates(t *testing.T) {
	m := New(&recordingActions{}, keys.DefaultKeyMap(), "", 100, 30)
	m.SetSnapshot(inbox.Snapshot{Loading: true})
	assert.Contains(t, m.View(), "Loading")

	m.SetSnapshot(inbox.Snapshot{})
	assert.Contains(t, m.View(), "No notifications yet")

	m.SetSnapshot(fixtures())
	m, _ = m.Update(press("/"))
	for _, r := range "zzz" {
		m, _ = m.Update(press(string(r)))
	}
	m, _ = m.Update(press("enter"))
	assert.Contains(t, m.View(), "No matching notifications")
}

func TestList_ReadActions(t *testing.T) {
	a := &recordingActions{}
	m := newModel(t, a)

	_, cmd := m.Update(press("enter"))
	require.NotNil(t, cmd)
	assert.Equal(t, ui.ActionResultMsg{Op: ui.OpMarkRead, ID: "pay"}, cmd())

	_, cmd = m.Update(press("A"))
	require.NotNil(t, cmd)
	assert.Equal(t, ui.ActionResultMsg{Op: ui.OpMarkAllRead}, cmd())

	// Already read rows do nothing.
	m, _ = m.Update(press("down"))
	m, _ = m.Update(press("down"))
	sel, ok := m.Selected()
	require.True(t, ok)
	require.Equal(t, "msg", sel.ID)
	_, cmd = m.Update(press("enter"))
	assert.Nil(t, cmd)

	assert.Equal(t, []string{"pay"}, a.read)
	assert.Equal(t, 1, a.all)
}

func TestList_SelectionFollowsID(t *testing.T) {
	m := newModel(t, &recordingActions{})
	m, _ = m.Update(press("down"))
	sel, _ := m.Selected()
	require.Equal(t, "book", sel.ID)

	snap := fixtures()
	snap.Notifications = append([]model.Notification{{
		ID: "new", Type: model.TypeReviewReceived, Title: "New review", CreatedAt: now,
	}}, snap.Notifications...)
	m.SetSnapshot(snap)

	sel, _ = m.Selected()
	assert.Equal(t, "book", sel.ID)
}

func TestList_Copy(t *testing.T) {
	var copied string
	m := newModel(t, &recordingActions{}, WithClipboard(func(s string) error {
		copied = s
		return nil
	}))

	_, cmd := m.Update(press("c"))
	require.NotNil(t, cmd)
	assert.Equal(t, CopiedMsg{ID: "pay"}, cmd())
	assert.Equal(t, "Payment failed\nCard ending 4242", copied)

	m = newModel(t, &recordingActions{}, WithClipboard(func(string) error { return errors.New("no clipboard") }))
	_, cmd = m.Update(press("c"))
	msg := cmd().(CopiedMsg)
	assert.EqualError(t, msg.Err, "no clipboard")
}
