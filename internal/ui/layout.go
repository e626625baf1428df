package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/theme"
)

// Layout manages the terminal layout dimensions.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height available for the main content area,
// accounting for the header and status bar.
func (l Layout) ContentHeight() int {
	return max(0, l.Height-l.HeaderHeight-l.StatusBarHeight)
}

// RenderHeader renders the top header bar: title on the left, the
// already styled right side (badge, connection) on the right.
func (l Layout) RenderHeader(title string, right string) string {
	titleRendered := theme.HeaderStyle.Render(title)

	gap := max(0, l.Width-lipgloss.Width(titleRendered)-lipgloss.Width(right))

	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.HeaderStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		titleRendered,
		filler,
		right,
	)
}

// RenderStatusBar renders the bottom status bar with keyboard hints, or
// the error text when isErr is set.
func (l Layout) RenderStatusBar(text string, isErr bool) string {
	style := theme.StatusBarStyle
	if isErr {
		style = theme.ErrorBarStyle
	}
	rendered := style.Render(text)

	gap := max(0, l.Width-lipgloss.Width(rendered))

	filler := lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, filler)
}

// RenderWithFrame composes a full terminal view by vertically joining
// the header, content area, and status bar.
func (l Layout) RenderWithFrame(
	header string,
	content string,
	statusBar string,
) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		content,
		statusBar,
	)
}
