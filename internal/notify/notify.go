// Package notify delivers admin notifications through the event bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/refguard/internal/domain"
)

// ErrMissingRecipient is returned for notifications without a user.
var ErrMissingRecipient = errors.New("notify: userId is required")

// BusNotifier publishes notifications on the platform notification topic,
// where the delivery worker picks them up.
type BusNotifier struct {
	bus domain.EventBus
	now func() time.Time
}

// NewBusNotifier creates a notifier publishing on bus.
func NewBusNotifier(bus domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus, now: time.Now}
}

// Notify assigns an id and timestamp if missing and publishes the
// notification.
func (n *BusNotifier) Notify(ctx context.Context, note *domain.Notification) error {
	if note.UserID == "" {
		return ErrMissingRecipient
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now().UTC()
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if err := n.bus.Publish(ctx, domain.PlatformScope, domain.TopicNotification, payload); err != nil {
		return fmt.Errorf("failed to publish notification for %s: %w", note.UserID, err)
	}
	return nil
}

// Decode parses a notification published by BusNotifier.
func Decode(msg *domain.Message) (*domain.Notification, error) {
	var note domain.Notification
	if err := json.Unmarshal(msg.Payload, &note); err != nil {
		return nil, fmt.Errorf("failed to decode notification %s: %w", msg.ID, err)
	}
	if note.UserID == "" {
		return nil, ErrMissingRecipient
	}
	return &note, nil
}
