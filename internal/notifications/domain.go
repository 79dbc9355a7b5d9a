// internal/notifications/domain.go
package notifications

import (
	"time"

	"github.com/google/uuid"
)

// Notification is a one-way record of a lending event addressed to a user.
// The engine only ever creates these; reading and marking them belongs here.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"user_id"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}
