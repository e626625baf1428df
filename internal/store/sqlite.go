package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/tutornotify/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection: an in-memory database exists per connection, and
	// the cache has a single writer anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// notificationRow mirrors the notifications table.
type notificationRow struct {
	ID        string       `db:"id"`
	Type      string       `db:"type"`
	Category  string       `db:"category"`
	Title     string       `db:"title"`
	Content   string       `db:"content"`
	Metadata  string       `db:"metadata"`
	IsRead    int          `db:"is_read"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt sql.NullTime `db:"updated_at"`
	CachedAt  time.Time    `db:"cached_at"`
}

func (r notificationRow) toModel() (model.Notification, error) {
	n := model.Notification{
		ID:        r.ID,
		Type:      model.Type(r.Type),
		Title:     r.Title,
		Content:   r.Content,
		IsRead:    r.IsRead != 0,
		CreatedAt: r.CreatedAt,
	}
	if r.UpdatedAt.Valid {
		n.UpdatedAt = r.UpdatedAt.Time
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
			return model.Notification{}, fmt.Errorf("unmarshaling metadata for %s: %w", r.ID, err)
		}
	}
	return n, nil
}

const upsertNotification = `
	INSERT OR REPLACE INTO notifications (
		id, type, category, title, content, metadata,
		is_read, created_at, updated_at, cached_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveNotifications inserts or replaces a batch of notifications.
func (s *SQLiteStore) SaveNotifications(ctx context.Context, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveTx(ctx, tx, ns); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceNotifications swaps the cached set for ns in one transaction.
func (s *SQLiteStore) ReplaceNotifications(ctx context.Context, ns []model.Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return fmt.Errorf("clearing notifications: %w", err)
	}
	if err := saveTx(ctx, tx, ns); err != nil {
		return err
	}
	return tx.Commit()
}

func saveTx(ctx context.Context, tx *sqlx.Tx, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, upsertNotification)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, n := range ns {
		metadata := []byte("{}")
		if len(n.Metadata) > 0 {
			metadata, err = json.Marshal(n.Metadata)
			if err != nil {
				return fmt.Errorf("marshaling metadata for %s: %w", n.ID, err)
			}
		}

		var updatedAt sql.NullTime
		if !n.UpdatedAt.IsZero() {
			updatedAt = sql.NullTime{Time: n.UpdatedAt.UTC(), Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			n.ID, string(n.Type), string(n.Category()), n.Title, n.Content, string(metadata),
			boolToInt(n.IsRead), n.CreatedAt.UTC(), updatedAt, now,
		)
		if err != nil {
			return fmt.Errorf("upserting notification %s: %w", n.ID, err)
		}
	}
	return nil
}

// GetNotifications retrieves cached notifications matching the filter,
// newest first.
func (s *SQLiteStore) GetNotifications(
	ctx context.Context,
	filter NotificationFilter,
) ([]model.Notification, error) {
	var conditions []string
	var args []any

	if filter.Category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, string(*filter.Category))
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "is_read = 0")
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(title LIKE ? OR content LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}

	query := "SELECT * FROM notifications"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}

	ns := make([]model.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toModel()
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, nil
}

// GetUnreadNotifications retrieves all notifications that have not been read,
// ordered by creation time descending.
func (s *SQLiteStore) GetUnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	return s.GetNotifications(ctx, NotificationFilter{UnreadOnly: true})
}

// MarkNotificationRead marks a single cached notification as read.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("marking notification %s as read: %w", id, err)
	}
	return nil
}

// DeleteNotification removes a cached notification by ID.
func (s *SQLiteStore) DeleteNotification(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}
	return nil
}

// ClearNotifications empties the cache and its sync state.
func (s *SQLiteStore) ClearNotifications(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notifications"); err != nil {
		return fmt.Errorf("clearing notifications: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("clearing sync state: %w", err)
	}
	return nil
}

// SetSyncState records a sync bookkeeping value.
func (s *SQLiteStore) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting sync state %s: %w", key, err)
	}
	return nil
}

// GetSyncState reads a sync bookkeeping value. A missing key returns
// ErrNotFound.
func (s *SQLiteStore) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM sync_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync state %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting sync state %s: %w", key, err)
	}
	return value, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
