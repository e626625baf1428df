package notiflist

import (
	"slices"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/filter"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/theme"
	"github.com/nhle/tutornotify/internal/ui"
)

// CopiedMsg is sent after the selected notification was copied.
type CopiedMsg struct {
	ID  string
	Err error
}

// Option configures a Model.
type Option func(*Model)

// WithClipboard replaces the system clipboard writer.
func WithClipboard(write func(string) error) Option {
	return func(m *Model) { m.copy = write }
}

// WithClock sets the time source for relative timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// Model is the full notification list page.
type Model struct {
	list        list.Model
	actions     ui.Actions
	keys        *keys.KeyMap
	filter      filter.Filter
	snapshot    inbox.Snapshot
	searchMode  bool
	searchInput textinput.Model
	copy        func(string) error
	now         func() time.Time
	width       int
	height      int
}

// New creates a notification list scoped to role.
func New(a ui.Actions, k *keys.KeyMap, role model.Role, width, height int, opts ...Option) Model {
	m := Model{
		actions: a,
		keys:    k,
		filter:  filter.Filter{Role: role},
		copy:    clipboard.WriteAll,
		now:     time.Now,
		width:   width,
		height:  height,
	}
	for _, opt := range opts {
		opt(&m)
	}

	l := list.New([]list.Item{}, ItemDelegate{now: m.now}, width, max(0, height-2))
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetStatusBarItemName("notification", "notifications")
	l.Styles.Title = theme.HeaderStyle
	// The parent owns quitting and help.
	l.KeyMap.Quit.SetEnabled(false)
	l.KeyMap.ForceQuit.SetEnabled(false)
	l.KeyMap.ShowFullHelp.SetEnabled(false)
	l.KeyMap.CloseFullHelp.SetEnabled(false)
	m.list = l

	si := textinput.New()
	si.Placeholder = "search notifications..."
	si.Prompt = "/ "
	si.Width = width - 4
	m.searchInput = si

	m.list.Title = m.title()
	return m
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// SetSnapshot re-applies the current filter to s.
func (m *Model) SetSnapshot(s inbox.Snapshot) tea.Cmd {
	m.snapshot = s
	return m.refresh()
}

// SetRole changes the role scope.
func (m *Model) SetRole(r model.Role) tea.Cmd {
	m.filter.Role = r
	return m.refresh()
}

// Filter returns the active filter.
func (m Model) Filter() filter.Filter {
	return m.filter
}

// Searching reports whether the search input has focus.
func (m Model) Searching() bool {
	return m.searchMode
}

// Selected returns the highlighted notification.
func (m Model) Selected() (model.Notification, bool) {
	item, ok := m.list.SelectedItem().(Item)
	if !ok {
		return model.Notification{}, false
	}
	return item.Notification, true
}

// Visible returns the notifications currently listed.
func (m Model) Visible() []model.Notification {
	items := m.list.Items()
	out := make([]model.Notification, 0, len(items))
	for _, it := range items {
		if n, ok := it.(Item); ok {
			out = append(out, n.Notification)
		}
	}
	return out
}

// refresh rebuilds the items, keeping the selection on the same id.
func (m *Model) refresh() tea.Cmd {
	selected, hadSelection := m.Selected()

	ns := filter.Apply(m.snapshot.Notifications, m.filter)
	items := make([]list.Item, len(ns))
	for i, n := range ns {
		items[i] = Item{Notification: n}
	}
	cmd := m.list.SetItems(items)
	m.list.Title = m.title()

	if hadSelection {
		for i, n := range ns {
			if n.ID == selected.ID {
				m.list.Select(i)
				break
			}
		}
	}
	return cmd
}

// Update handles messages for the list view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		if m.searchMode {
			return m.handleSearchKeys(msg)
		}
		return m.handleNormalKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// handleSearchKeys processes key input while in search mode.
func (m Model) handleSearchKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.searchMode = false
		m.filter.Query = strings.TrimSpace(m.searchInput.Value())
		return m, m.refresh()

	case "esc":
		m.searchMode = false
		m.searchInput.Reset()
		m.filter.Query = ""
		return m, m.refresh()
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

// handleNormalKeys processes key input in normal (non-search) mode.
func (m Model) handleNormalKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.MarkRead):
		n, ok := m.Selected()
		if !ok || n.IsRead {
			return m, nil
		}
		return m, ui.MarkReadCmd(m.actions, n.ID)

	case key.Matches(msg, m.keys.MarkAllRead):
		if m.snapshot.UnreadCount == 0 {
			return m, nil
		}
		return m, ui.MarkAllReadCmd(m.actions)

	case key.Matches(msg, m.keys.Search):
		m.searchMode = true
		m.searchInput.Reset()
		m.searchInput.SetValue(m.filter.Query)
		return m, m.searchInput.Focus()

	case key.Matches(msg, m.keys.UnreadOnly):
		if m.filter.Read == filter.UnreadOnly {
			m.filter.Read = filter.AnyReadState
		} else {
			m.filter.Read = filter.UnreadOnly
		}
		return m, m.refresh()

	case key.Matches(msg, m.keys.CycleOrder):
		m.filter.Order = m.filter.Order.Next()
		return m, m.refresh()

	case key.Matches(msg, m.keys.Copy):
		n, ok := m.Selected()
		if !ok {
			return m, nil
		}
		write := m.copy
		text := n.Title + "\n" + model.RenderContent(n)
		return m, func() tea.Msg {
			return CopiedMsg{ID: n.ID, Err: write(text)}
		}
	}

	for i, b := range m.keys.Categories {
		if key.Matches(msg, b) && i < len(model.Categories) {
			m.toggleCategory(model.Categories[i])
			return m, m.refresh()
		}
	}

	// Delegate to the list for navigation keys (up/down/pgup/pgdn)
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// toggleCategory adds or removes c from the category filter.
func (m *Model) toggleCategory(c model.Category) {
	if i := slices.Index(m.filter.Categories, c); i >= 0 {
		m.filter.Categories = slices.Delete(slices.Clone(m.filter.Categories), i, i+1)
		return
	}
	m.filter.Categories = append(slices.Clone(m.filter.Categories), c)
}

// title summarizes the active filter.
func (m Model) title() string {
	parts := []string{"Notifications"}
	if m.filter.Read == filter.UnreadOnly {
		parts = append(parts, "unread")
	}
	if len(m.filter.Categories) > 0 {
		names := make([]string, len(m.filter.Categories))
		for i, c := range m.filter.Categories {
			names[i] = string(c)
		}
		parts = append(parts, strings.Join(names, ","))
	}
	if m.filter.Query != "" {
		parts = append(parts, "\""+m.filter.Query+"\"")
	}
	parts = append(parts, m.filter.Order.String())
	return strings.Join(parts, " · ")
}

// View renders the list view.
func (m Model) View() string {
	if m.searchMode {
		searchBar := lipgloss.NewStyle().
			Foreground(theme.ColorWhite).
			Padding(0, 1).
			Render(m.searchInput.View())
		return lipgloss.JoinVertical(lipgloss.Left, searchBar, m.list.View())
	}

	if len(m.list.Items()) == 0 {
		return m.renderEmptyState()
	}

	return m.list.View()
}

// renderEmptyState shows guidance text when nothing is listed.
func (m Model) renderEmptyState() string {
	hasFilters := len(m.filter.Categories) > 0 ||
		m.filter.Read != filter.AnyReadState ||
		m.filter.Query != ""

	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	switch {
	case m.snapshot.Loading:
		return style.Render("Loading notifications…")
	case hasFilters:
		return style.Render("No matching notifications.\nTry adjusting your filters.")
	default:
		return style.Render("No notifications yet.\n\nNew ones appear here as they arrive.")
	}
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, max(0, height-2))
	m.searchInput.Width = width - 4
}
