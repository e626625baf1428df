// Package help is the overlay listing key bindings, the category toggles
// with their unread counts, and what each connection state means.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/filter"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/socket"
	"github.com/nhle/tutornotify/internal/theme"
)

var connectionLegend = []struct {
	state socket.State
	desc  string
}{
	{socket.StateConnected, "live updates arrive as they happen"},
	{socket.StateConnecting, "dialing or waiting to retry"},
	{socket.StateDisconnected, "offline; r still refreshes over HTTP"},
	{socket.StateReconnectFailed, "retries exhausted; press R to reconnect"},
}

// Model is the help overlay view.
type Model struct {
	keys   *keys.KeyMap
	help   help.Model
	width  int
	height int

	state  socket.State
	unread map[model.Category]int
}

// New creates a new help view model.
func New(k *keys.KeyMap, width, height int) Model {
	h := help.New()
	h.Width = width
	return Model{
		keys:   k,
		help:   h,
		width:  width,
		height: height,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages for the help view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// SetState marks the current connection state in the legend.
func (m *Model) SetState(s socket.State) {
	m.state = s
}

// SetSnapshot takes the per-category unread counts from s.
func (m *Model) SetSnapshot(s inbox.Snapshot) {
	m.unread = filter.UnreadByCategory(s.Notifications)
}

// View renders the help overlay.
func (m Model) View() string {
	section := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginTop(1)

	m.help.Width = m.width - 4
	shortcuts := m.help.FullHelpView([][]key.Binding{
		{m.keys.Up, m.keys.Down, m.keys.MarkRead, m.keys.MarkAllRead, m.keys.Back, m.keys.Quit},
		{m.keys.Search, m.keys.UnreadOnly, m.keys.CycleOrder, m.keys.Copy, m.keys.Help},
		{m.keys.Refresh, m.keys.Reconnect, m.keys.Dropdown, m.keys.Connect},
	})

	content := lipgloss.JoinVertical(lipgloss.Left,
		section.MarginTop(0).Render("Keyboard Shortcuts"),
		shortcuts,
		section.Render("Category Filters"),
		m.categoryView(),
		section.Render("Connection"),
		m.legendView(),
	)

	return theme.PanelStyle.
		Width(max(0, m.width-4)).
		Height(max(0, m.height-4)).
		Render(content)
}

func (m Model) categoryView() string {
	var b strings.Builder
	for i, c := range model.Categories {
		if i >= len(m.keys.Categories) {
			break
		}
		keyName := m.keys.Categories[i].Help().Key
		line := fmt.Sprintf("%s  %s", theme.HelpStyle.Render(keyName), theme.CategoryStyle(c).Width(10).Render(string(c)))
		if n := m.unread[c]; n > 0 {
			line += theme.DimmedStyle.Render(fmt.Sprintf("%d unread", n))
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) legendView() string {
	var b strings.Builder
	for _, l := range connectionLegend {
		name := l.state.String()
		marker := "  "
		if l.state == m.state {
			marker = "> "
		}
		b.WriteString(marker +
			theme.ConnectionStyle(name).Width(18).Render("● "+name) +
			theme.DimmedStyle.Render(l.desc) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// SetSize updates the help view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width - 4
}
