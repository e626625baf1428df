package store

import (
	"context"
	"errors"

	"github.com/nhle/tutornotify/internal/model"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// Sync state keys.
const (
	KeyLastSync = "last_sync"
	KeyUserRole = "user_role"
)

// NotificationFilter controls filtering and pagination for cached
// notification queries. Results are always newest first.
type NotificationFilter struct {
	Category   *model.Category
	UnreadOnly bool
	Query      *string // search title + content
	Limit      int
	Offset     int
}

// Store is the local warm-start cache. It never decides read state; the
// inbox does, and the cache only mirrors its last snapshot.
type Store interface {
	// === Notifications ===

	SaveNotifications(ctx context.Context, ns []model.Notification) error
	ReplaceNotifications(ctx context.Context, ns []model.Notification) error
	GetNotifications(ctx context.Context, filter NotificationFilter) ([]model.Notification, error)
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context) error

	// === Sync state ===

	SetSyncState(ctx context.Context, key, value string) error
	GetSyncState(ctx context.Context, key string) (string, error)

	Close() error
}
