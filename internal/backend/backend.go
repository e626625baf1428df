// Package backend defines the REST collaborator the notification inbox
// talks to: paginated listing and read-state confirmation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/nhle/tutornotify/internal/model"
)

// ErrRejected is wrapped by errors for requests the backend answered
// with success=false.
var ErrRejected = errors.New("rejected by backend")

// AuthError indicates that the bearer credential was refused.
// It is returned by backend clients when a 401 response is received.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// HTTPError is a non-2xx response other than 401.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d on %s %s", e.StatusCode, e.Method, e.Path)
	}
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == code
}

// ListParams selects a page of notifications.
type ListParams struct {
	Page  int
	Limit int
	Role  model.Role
	Type  model.Type
}

// Normalize fills in the first page and a default limit.
func (p ListParams) Normalize(defaultLimit int) ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	return p
}

// Query encodes the params as URL query values.
func (p ListParams) Query() url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.Role != "" {
		q.Set("role", string(p.Role))
	}
	if p.Type != "" {
		q.Set("type", string(p.Type))
	}
	return q
}

// Key identifies equivalent requests.
func (p ListParams) Key() string {
	return p.Query().Encode()
}

// Page is one page of notifications.
type Page struct {
	Notifications []model.Notification
	Total         int
	Page          int
	Limit         int
}

// HasMore reports whether later pages exist.
func (p *Page) HasMore() bool {
	return p.Page*p.Limit < p.Total
}

// MarkAllResult is the outcome of a mark-all-read request.
type MarkAllResult struct {
	// PerItem is true when the backend reported results per id. Only
	// then is Failed meaningful; otherwise the request succeeded as a whole.
	PerItem bool

	// Failed lists ids the backend could not mark read.
	Failed []string
}

// Backend is the REST surface used by the inbox.
type Backend interface {
	// ListNotifications fetches one page, newest first.
	ListNotifications(ctx context.Context, params ListParams) (*Page, error)

	// MarkRead confirms a single read.
	MarkRead(ctx context.Context, id string) error

	// MarkAllRead confirms a batch read of the given ids.
	MarkAllRead(ctx context.Context, ids []string) (*MarkAllResult, error)
}
