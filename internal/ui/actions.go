package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// actionTimeout bounds a read mutation started from a widget. The inbox
// applies its own confirmation timeout inside it.
const actionTimeout = 30 * time.Second

// Actions is what widgets may ask of the notification store.
type Actions interface {
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
}

// Op names a widget-initiated mutation.
type Op string

const (
	OpMarkRead    Op = "mark_read"
	OpMarkAllRead Op = "mark_all_read"
)

// ActionResultMsg reports the outcome of a read mutation.
type ActionResultMsg struct {
	Op  Op
	ID  string
	Err error
}

// MarkReadCmd marks one notification read.
func MarkReadCmd(a Actions, id string) tea.Cmd {
	if a == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return ActionResultMsg{Op: OpMarkRead, ID: id, Err: a.MarkAsRead(ctx, id)}
	}
}

// MarkAllReadCmd marks every notification read.
func MarkAllReadCmd(a Actions) tea.Cmd {
	if a == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return ActionResultMsg{Op: OpMarkAllRead, Err: a.MarkAllAsRead(ctx)}
	}
}
