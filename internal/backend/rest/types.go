package rest

import "github.com/nhle/tutornotify/internal/model"

// ListResponse is the response from GET /api/notifications.
type ListResponse struct {
	Success       bool                 `json:"success"`
	Message       string               `json:"message,omitempty"`
	Notifications []model.Notification `json:"notifications"`
	Total         int                  `json:"total"`
	Page          int                  `json:"page"`
	Limit         int                  `json:"limit"`
}

// StatusResponse is the response from PATCH /api/notifications/{id}/read.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MarkAllRequest is the body of PATCH /api/notifications/read-all.
type MarkAllRequest struct {
	IDs []string `json:"ids"`
}

// MarkAllResponse is the response from PATCH /api/notifications/read-all.
// Failed is present only when the backend reports per-item results.
type MarkAllResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Failed  *[]string `json:"failed,omitempty"`
}

// ErrorResponse is the body the backend sends alongside non-2xx statuses.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}
