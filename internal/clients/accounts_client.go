// internal/clients/accounts_client.go
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

	"peerreads/internal/accounts"
	"peerreads/internal/lending"
)

// AccountsClient resolves user profiles over HTTP from the accounts service.
// Calls run through a circuit breaker so a dead accounts service fails fast
// instead of tying up lending workers on timeouts.
type AccountsClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewAccountsClient(baseURL string) *AccountsClient {
	return &AccountsClient{
		baseURL: baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "accounts",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A missing user is an answer, not an outage.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, lending.ErrNotFound)
			},
		}),
	}
}

func (c *AccountsClient) ResolveUser(ctx context.Context, id uuid.UUID) (*lending.UserProfile, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchUser(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	user := result.(*accounts.User)
	return &lending.UserProfile{
		ID:          user.ID,
		DisplayName: user.FullName,
		Email:       user.Email,
	}, nil
}

func (c *AccountsClient) fetchUser(ctx context.Context, id uuid.UUID) (*accounts.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/users/%s", c.baseURL, id), nil)
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

	var user accounts.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}
