package domain

import (
	"context"
	"time"
)

// Notification is a message addressed to one platform user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers notifications. Delivery is fire-and-forget from the
// caller's point of view: an error only means this one send failed.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}
