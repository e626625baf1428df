package model

import (
	"time"
)

// Type is the dotted notification tag sent by the marketplace backend,
// in the form "<category>.<event>" (e.g., "booking.confirmed").
type Type string

// Known notification types. The backend may send others; they are
// classified by prefix and fall back to the system category.
const (
	TypeBookingRequested   Type = "booking.requested"
	TypeBookingConfirmed   Type = "booking.confirmed"
	TypeBookingCancelled   Type = "booking.cancelled"
	TypeBookingRescheduled Type = "booking.rescheduled"
	TypeSessionReminder    Type = "session.reminder"
	TypeSessionStarting    Type = "session.starting"
	TypeSessionCompleted   Type = "session.completed"
	TypeMessageReceived    Type = "message.received"
	TypePaymentReceived    Type = "payment.received"
	TypePaymentFailed      Type = "payment.failed"
	TypePayoutSent         Type = "payout.sent"
	TypeReviewReceived     Type = "review.received"
	TypeProfileIncomplete  Type = "profile.incomplete"
	TypeProfileApproved    Type = "profile.approved"
	TypeSystemAnnouncement Type = "system.announcement"
	TypeSystemMaintenance  Type = "system.maintenance"
	TypeSystemSecurity     Type = "system.security"
	TypeSupportReply       Type = "support.reply"
)

// Notification is a single in-app notification for the signed-in user.
// The same logical notification carries the same ID whether it arrives
// over the push channel or a REST page.
type Notification struct {
	// ID is the opaque, per-user unique identifier.
	ID string `json:"id"`

	// Type is the dotted category tag.
	Type Type `json:"type"`

	// Title is the short display heading.
	Title string `json:"title"`

	// Content is the display body. It may contain {key} placeholders
	// resolved against Metadata by RenderContent.
	Content string `json:"content"`

	// Metadata maps placeholder keys to primitive values.
	Metadata map[string]any `json:"metadata,omitempty"`

	// IsRead is the read state. It only changes through read operations.
	IsRead bool `json:"isRead"`

	// CreatedAt is when the backend created the notification.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is the backend time of the last state change, if known.
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// ServerTime returns the timestamp the backend vouches for on this
// record: UpdatedAt when set, otherwise CreatedAt.
func (n Notification) ServerTime() time.Time {
	if !n.UpdatedAt.IsZero() {
		return n.UpdatedAt
	}
	return n.CreatedAt
}

// Category returns the derived category of the notification.
func (n Notification) Category() Category {
	return Classify(n.Type).Category
}

// Priority returns the derived priority of the notification.
func (n Notification) Priority() Priority {
	return Classify(n.Type).Priority
}

// Clone returns a copy that shares no mutable state with n.
func (n Notification) Clone() Notification {
	if n.Metadata != nil {
		md := make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			md[k] = v
		}
		n.Metadata = md
	}
	return n
}
