package notiflist

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/theme"
	"github.com/nhle/tutornotify/internal/ui"
)

// Item wraps a model.Notification so it can be used in a bubbles/list.
type Item struct {
	Notification model.Notification
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Notification.Title }

// Title returns the notification title for the list.
func (i Item) Title() string { return i.Notification.Title }

// Description returns the rendered content.
func (i Item) Description() string { return model.RenderContent(i.Notification) }

// ItemDelegate implements list.ItemDelegate for notification rows.
type ItemDelegate struct {
	now func() time.Time
}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 2 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws one notification: a headline and a content line.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(Item)
	if !ok {
		return
	}
	n := it.Notification
	isSelected := index == m.Index()

	marker := " "
	if !n.IsRead {
		marker = lipgloss.NewStyle().Foreground(theme.ColorBlue).Render("●")
	}

	category := n.Category()
	catBadge := theme.CategoryStyle(category).Render(strings.ToUpper(string(category)))
	priBadge := theme.PriorityStyle(n.Priority()).Render(priorityLabel(n.Priority()))

	timeStr := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(ui.RelativeTime(n.CreatedAt, d.now()))

	width := m.Width()
	headline := fmt.Sprintf("%s %s%s %s  %s", marker, catBadge, priBadge, n.Title, timeStr)
	body := "    " + clip(it.Description(), width-8)

	if n.IsRead {
		headline = theme.DimmedStyle.Render(headline)
	}
	body = theme.DimmedStyle.Render(body)

	if isSelected {
		headline = theme.SelectedItemStyle.Render(headline)
		body = theme.SelectedItemStyle.Render(body)
	} else {
		headline = theme.ListItemStyle.Render(headline)
		body = theme.ListItemStyle.Render(body)
	}

	fmt.Fprint(w, headline+"\n"+body)
}

// priorityLabel marks high priority items; others get a blank of the
// same width.
func priorityLabel(p model.Priority) string {
	if p == model.PriorityHigh {
		return "!"
	}
	return " "
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
