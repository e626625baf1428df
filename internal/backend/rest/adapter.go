package rest

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nhle/tutornotify/internal/backend"
)

const notificationsPath = "/api/notifications"

// Adapter implements backend.Backend over the marketplace REST API.
type Adapter struct {
	client *Client
}

var _ backend.Backend = (*Adapter)(nil)

// NewAdapter creates a new REST backend adapter.
func NewAdapter(baseURL, token string, opts Options) *Adapter {
	return &Adapter{client: NewClient(baseURL, token, opts)}
}

// ListNotifications retrieves one page of the user's notifications.
func (a *Adapter) ListNotifications(
	ctx context.Context,
	params backend.ListParams,
) (*backend.Page, error) {
	params = params.Normalize(20)

	var resp ListResponse
	path := notificationsPath + "?" + params.Query().Encode()
	if err := a.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("listing notifications: %w: %s", backend.ErrRejected, resp.Message)
	}

	page := &backend.Page{
		Notifications: resp.Notifications,
		Total:         resp.Total,
		Page:          resp.Page,
		Limit:         resp.Limit,
	}
	if page.Page == 0 {
		page.Page = params.Page
	}
	if page.Limit == 0 {
		page.Limit = params.Limit
	}
	return page, nil
}

// MarkRead confirms a single read via PATCH /api/notifications/{id}/read.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	var resp StatusResponse
	path := notificationsPath + "/" + url.PathEscape(id) + "/read"
	if err := a.client.Patch(ctx, path, nil, &resp); err != nil {
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	if !resp.Success {
		return fmt.Errorf("marking %s read: %w: %s", id, backend.ErrRejected, resp.Message)
	}
	return nil
}

// MarkAllRead confirms a batch read via PATCH /api/notifications/read-all.
// A response carrying a failed list is a per-item result even when
// success is false; otherwise success=false fails the whole batch.
func (a *Adapter) MarkAllRead(
	ctx context.Context,
	ids []string,
) (*backend.MarkAllResult, error) {
	var resp MarkAllResponse
	body := MarkAllRequest{IDs: ids}
	if err := a.client.Patch(ctx, notificationsPath+"/read-all", body, &resp); err != nil {
		return nil, fmt.Errorf("marking all read: %w", err)
	}

	if resp.Failed != nil {
		return &backend.MarkAllResult{
			PerItem: true,
			Failed:  *resp.Failed,
		}, nil
	}
	if !resp.Success {
		return nil, fmt.Errorf("marking all read: %w: %s", backend.ErrRejected, resp.Message)
	}
	return &backend.MarkAllResult{}, nil
}
