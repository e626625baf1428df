// Package dropdown is the compact "recent notifications" panel.
package dropdown

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/filter"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/theme"
	"github.com/nhle/tutornotify/internal/ui"
)

// ClosedMsg asks the parent to hide the dropdown.
type ClosedMsg struct{}

// Model shows the newest Limit notifications of the latest snapshot.
type Model struct {
	actions ui.Actions
	keys    *keys.KeyMap
	now     func() time.Time

	limit  int
	items  []model.Notification
	unread int
	cursor int
	width  int
}

// New creates a dropdown showing up to limit notifications.
func New(a ui.Actions, k *keys.KeyMap, limit int, now func() time.Time) Model {
	if limit <= 0 {
		limit = 5
	}
	if now == nil {
		now = time.Now
	}
	return Model{actions: a, keys: k, limit: limit, now: now, width: 60}
}

// SetSnapshot re-slices the recent items from s. The cursor stays on
// the same notification when it is still shown.
func (m *Model) SetSnapshot(s inbox.Snapshot) {
	var selected string
	if m.cursor < len(m.items) {
		selected = m.items[m.cursor].ID
	}

	m.items = filter.Recent(s.Notifications, m.limit)
	m.unread = s.UnreadCount
	m.cursor = 0
	for i, n := range m.items {
		if n.ID == selected {
			m.cursor = i
			break
		}
	}
}

// SetLimit changes how many notifications are shown.
func (m *Model) SetLimit(limit int) {
	if limit > 0 {
		m.limit = limit
	}
}

// SetWidth updates the panel width.
func (m *Model) SetWidth(width int) {
	m.width = width
}

// Items returns the notifications currently shown.
func (m Model) Items() []model.Notification {
	return m.items
}

// Update handles navigation and read actions.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, m.keys.Down):
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case key.Matches(keyMsg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, m.keys.MarkRead):
		if m.cursor < len(m.items) && !m.items[m.cursor].IsRead {
			return m, ui.MarkReadCmd(m.actions, m.items[m.cursor].ID)
		}
	case key.Matches(keyMsg, m.keys.MarkAllRead):
		if m.unread > 0 {
			return m, ui.MarkAllReadCmd(m.actions)
		}
	case key.Matches(keyMsg, m.keys.Back), key.Matches(keyMsg, m.keys.Dropdown):
		return m, func() tea.Msg { return ClosedMsg{} }
	}
	return m, nil
}

// View renders the panel.
func (m Model) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite).
		Render("Recent notifications")
	b.WriteString(title)
	b.WriteString("\n\n")

	if len(m.items) == 0 {
		b.WriteString(theme.HelpStyle.Render("You're all caught up."))
	}

	now := m.now()
	inner := max(10, m.width-8)
	for i, n := range m.items {
		marker := "  "
		if !n.IsRead {
			marker = lipgloss.NewStyle().Foreground(theme.ColorBlue).Render("● ")
		}
		line := marker + truncate(n.Title, inner-12) + "  " +
			theme.DimmedStyle.Render(ui.RelativeTime(n.CreatedAt, now))
		body := truncate(model.RenderContent(n), inner-2)

		if n.IsRead {
			line = theme.DimmedStyle.Render(line)
		}
		if i == m.cursor {
			line = theme.SelectedItemStyle.Render(line)
		} else {
			line = theme.ListItemStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if body != "" {
			b.WriteString(theme.ListItemStyle.Render("  " + theme.DimmedStyle.Render(body)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(theme.HelpStyle.Render("enter mark read | A mark all | esc close"))

	return theme.PanelStyle.Width(inner).Render(b.String())
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
