package keys

import (
	"strconv"

	"github.com/charmbracelet/bubbles/key"

	"github.com/nhle/tutornotify/internal/model"
)

// KeyMap defines the global keybindings for the application.
type KeyMap struct {
	// Navigation
	Down key.Binding
	Up   key.Binding

	// Read state
	MarkRead    key.Binding
	MarkAllRead key.Binding

	// Back / Quit
	Back key.Binding
	Quit key.Binding

	// Search
	Search key.Binding

	// Help toggle
	Help key.Binding

	// Manual refresh and reconnect
	Refresh   key.Binding
	Reconnect key.Binding

	// Views
	Dropdown key.Binding
	Connect  key.Binding

	// Filters, aligned with model.Categories
	Categories []key.Binding
	UnreadOnly key.Binding

	// Actions
	Copy key.Binding

	// Order
	CycleOrder key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	k := &KeyMap{
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		MarkRead: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "mark read"),
		),
		MarkAllRead: key.NewBinding(
			key.WithKeys("A"),
			key.WithHelp("A", "mark all read"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Search: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "search"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "reconnect"),
		),
		Dropdown: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "recent"),
		),
		Connect: key.NewBinding(
			key.WithKeys("L"),
			key.WithHelp("L", "connect"),
		),
		UnreadOnly: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "unread only"),
		),
		Copy: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "copy"),
		),
		CycleOrder: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "cycle order"),
		),
	}
	for i, c := range model.Categories {
		n := strconv.Itoa(i + 1)
		k.Categories = append(k.Categories, key.NewBinding(
			key.WithKeys(n),
			key.WithHelp(n, "toggle "+string(c)),
		))
	}
	return k
}

// ShortHelp returns the most essential keybindings for the compact help view.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Up, k.Down, k.MarkRead, k.MarkAllRead,
		k.Quit, k.Help, k.Search,
	}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.MarkRead, k.MarkAllRead, k.Back, k.Quit},
		{k.Search, k.UnreadOnly, k.CycleOrder, k.Copy, k.Help},
		{k.Refresh, k.Reconnect, k.Dropdown, k.Connect},
		k.Categories,
	}
}
