// internal/accounts/service.go
package accounts

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the accounts service.
type Service interface {
	Register(ctx context.Context, fullName, email, username, password string) (*User, error)
	Authenticate(ctx context.Context, email, password string) (*User, string, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*User, error)
	PromoteToAdmin(ctx context.Context, emailOrUsername string) (*User, error)
	HasAnyAdmin(ctx context.Context) (bool, error)
}
