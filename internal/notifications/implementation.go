// internal/notifications/implementation.go
package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"peerreads/internal/lending"
)

// service implements the Service interface.
type service struct {
	db *sql.DB
}

// NewService creates a new notifications service instance. It satisfies
// lending.Notifier.
func NewService(db *sql.DB) Service {
	return &service{db: db}
}

// EnsureSchema creates the notifications table.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS notifications_by_user
			ON notifications (user_id, created_at DESC);
	`)
	return err
}

func (s *service) Notify(ctx context.Context, userID uuid.UUID, kind lending.EventKind, payload map[string]string) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, string(kind), payloadJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, payload, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 100
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var payloadJSON []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &payloadJSON, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Payload = decodePayload(n.ID, payloadJSON)
		result = append(result, n)
	}
	return result, rows.Err()
}

// decodePayload turns the stored JSONB back into a map. A corrupt row is
// logged and served with an empty payload rather than failing the whole list.
func decodePayload(id uuid.UUID, raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("notifications: corrupt payload on notification %s: %v", id, err)
		return nil
	}
	return payload
}

func (s *service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lending.ErrNotFound
	}
	return nil
}
