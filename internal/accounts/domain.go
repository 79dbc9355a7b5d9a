// internal/accounts/domain.go
package accounts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrEmailTaken         = errors.New("email or username already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadyAdmin       = errors.New("user is already an administrator")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// User is a registered account. Passwords live in a separate credentials row
// and never leave this package.
type User struct {
	ID                uuid.UUID `json:"id"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	Username          string    `json:"username"`
	Role              Role      `json:"role"`
	Location          string    `json:"location,omitempty"`
	Bio               string    `json:"bio,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	JoinedDate        time.Time `json:"joined_date"`
}

// Credential is a user's login secret.
type Credential struct {
	UserID       uuid.UUID `json:"user_id"`
	PasswordHash string    `json:"-"`
	Salt         string    `json:"-"`
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	FullName          string `json:"full_name"`
	Email             string `json:"email"`
	Location          string `json:"location"`
	Bio               string `json:"bio"`
	ProfilePictureURL string `json:"profile_picture_url"`
}
