// internal/notifications/service.go
package notifications

import (
	"context"

	"github.com/google/uuid"

	"peerreads/internal/lending"
)

// Service defines the interface for the notifications service. Notify is the
// write side consumed by the lending engine; the rest serves the read API.
type Service interface {
	Notify(ctx context.Context, userID uuid.UUID, kind lending.EventKind, payload map[string]string) error
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
}
