// internal/clients/notifications_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"peerreads/internal/lending"
)

// NotificationsClient delivers lending events to the notifications service.
// Delivery is best-effort; the lending engine logs failures and moves on, so
// the breaker only exists to stop hammering a service that is down.
type NotificationsClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewNotificationsClient(baseURL string) *NotificationsClient {
	return &NotificationsClient{
		baseURL: baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notifications",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *NotificationsClient) Notify(ctx context.Context, userID uuid.UUID, kind lending.EventKind, payload map[string]string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, userID, kind, payload)
	})
	return err
}

func (c *NotificationsClient) post(ctx context.Context, userID uuid.UUID, kind lending.EventKind, payload map[string]string) error {
	body, err := json.Marshal(struct {
		UserID  uuid.UUID         `json:"user_id"`
		Kind    lending.EventKind `json:"kind"`
		Payload map[string]string `json:"payload"`
	}{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/notifications", c.baseURL), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
