package inbox

import (
	"context"
	"errors"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/socket"
)

// Attach routes c's notification events into the inbox, sends read hints
// through c, and refetches the first page after every (re)connect. The
// returned func detaches.
func (i *Inbox) Attach(c *socket.Client) func() {
	i.mu.Lock()
	i.hinter = c
	i.mu.Unlock()

	unsubscribe := []func(){
		socket.Subscribe(c, func(ev socket.NotificationNew) error {
			i.Merge(ev.Notification)
			return nil
		}),
		socket.Subscribe(c, func(ev socket.NotificationUpdated) error {
			i.Merge(ev.Notification)
			return nil
		}),
		socket.Subscribe(c, func(ev socket.NotificationDeleted) error {
			i.Remove(ev.ID)
			return nil
		}),
		socket.Subscribe(c, func(ev socket.NotificationRead) error {
			if ev.All {
				i.ApplyReadAll(ev.ReadAt)
			} else {
				i.ApplyRead(ev.ID, ev.ReadAt)
			}
			return nil
		}),
		socket.Subscribe(c, func(socket.Connected) error {
			go i.refetch()
			return nil
		}),
	}

	return func() {
		for _, u := range unsubscribe {
			u()
		}
		i.mu.Lock()
		if i.hinter == Hinter(c) {
			i.hinter = nil
		}
		i.mu.Unlock()
	}
}

// refetch reloads page 1 to catch up on pushes missed while offline.
func (i *Inbox) refetch() {
	ctx, cancel := context.WithTimeout(i.ctx, fetchTimeout)
	defer cancel()

	_, err := i.FetchNotifications(ctx, backend.ListParams{Page: 1})
	if err != nil && !errors.Is(err, ErrClosed) {
		i.logger.Warn("refetch after connect failed", "error", err)
	}
}
