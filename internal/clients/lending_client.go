// internal/clients/lending_client.go
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"peerreads/internal/lending"
)

// LendingClient asks the lending service whether a book has an active borrow
// request. The catalog uses it to refuse deleting a book someone is waiting
// on or holding.
type LendingClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewLendingClient(baseURL string) *LendingClient {
	return &LendingClient{
		baseURL: baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "lending",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, lending.ErrNotFound)
			},
		}),
	}
}

func (c *LendingClient) HasActiveRequest(ctx context.Context, bookID uuid.UUID) (bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchState(ctx, bookID)
	})
	if err != nil {
		// The lending engine never heard of the book; nothing can be active.
		if errors.Is(err, lending.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	state := result.(*lending.BookState)
	return state.ActiveRequest != nil, nil
}

func (c *LendingClient) fetchState(ctx context.Context, bookID uuid.UUID) (*lending.BookState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/books/%s/state", c.baseURL, bookID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, lending.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var state lending.BookState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, err
	}
	return &state, nil
}
