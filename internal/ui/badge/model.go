// Package badge renders the unread counter.
package badge

import (
	"strconv"

	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/theme"
)

// maxShown is the largest count rendered exactly.
const maxShown = 99

// Model shows Snapshot.UnreadCount and nothing else.
type Model struct {
	unread  int
	loading bool
}

// SetSnapshot takes the counter from s.
func (m *Model) SetSnapshot(s inbox.Snapshot) {
	m.unread = s.UnreadCount
	m.loading = s.Loading
}

// Unread returns the last count seen.
func (m Model) Unread() int {
	return m.unread
}

// Label is the unstyled badge text.
func (m Model) Label() string {
	switch {
	case m.unread == 0:
		return "0"
	case m.unread > maxShown:
		return strconv.Itoa(maxShown) + "+"
	default:
		return strconv.Itoa(m.unread)
	}
}

// View renders the badge.
func (m Model) View() string {
	label := "✉ " + m.Label()
	if m.loading {
		label += " …"
	}
	if m.unread == 0 {
		return theme.DimmedStyle.Padding(0, 1).Render(label)
	}
	return theme.BadgeStyle.Render(label)
}
