// internal/accounts/implementation.go
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"peerreads/internal/auth"
)

const (
	maxNameLength    = 255
	maxBioLength     = 1024
	maxPictureLength = 10 * 1024 * 1024 // data URLs can get large; cap them
	tokenTTL         = 24 * time.Hour
)

// service implements the Service interface.
type service struct {
	db        *sql.DB
	jwtSecret []byte
	limiters  *limiterPool
}

// NewService creates a new accounts service instance.
func NewService(db *sql.DB, jwtSecret []byte) Service {
	return &service{
		db:        db,
		jwtSecret: jwtSecret,
		limiters:  newLimiterPool(),
	}
}

// limiterPool throttles register/login per identifier, so one hot caller
// exhausts only its own budget.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterPool() *limiterPool {
	return &limiterPool{limiters: make(map[string]*rate.Limiter)}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(1*time.Minute), 5) // 5 requests per minute
		p.limiters[key] = l
	}
	return l.Allow()
}

// EnsureSchema creates the users and credentials tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			full_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'USER',
			location TEXT,
			bio TEXT,
			profile_picture_url TEXT,
			joined_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS credentials (
			user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL
		);
	`)
	return err
}

// Register creates a new user with a hashed credential.
func (s *service) Register(ctx context.Context, fullName, email, username, password string) (*User, error) {
	if !s.limiters.allow(strings.ToLower(strings.TrimSpace(email))) {
		return nil, ErrRateLimited
	}

	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:         uuid.New(),
		FullName:   truncate(strings.TrimSpace(fullName), maxNameLength),
		Email:      truncate(strings.ToLower(strings.TrimSpace(email)), maxNameLength),
		Username:   truncate(strings.TrimSpace(username), maxNameLength),
		Role:       RoleUser,
		JoinedDate: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, full_name, email, username, role, joined_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.FullName, user.Email, user.Username, user.Role, user.JoinedDate)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (user_id, password_hash, salt)
		VALUES ($1, $2, $3)
	`, user.ID, passwordHash, salt)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies credentials and returns the user with a signed token.
func (s *service) Authenticate(ctx context.Context, email, password string) (*User, string, error) {
	if !s.limiters.allow(strings.ToLower(strings.TrimSpace(email))) {
		return nil, "", ErrRateLimited
	}

	user, err := s.getUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	var cred Credential
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, password_hash, salt FROM credentials WHERE user_id = $1
	`, user.ID).Scan(&cred.UserID, &cred.PasswordHash, &cred.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("load credential: %w", err)
	}

	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := auth.Sign(s.jwtSecret, user.ID, string(user.Role), tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return user, token, nil
}

const userColumns = `id, full_name, email, username, role,
	COALESCE(location, ''), COALESCE(bio, ''), COALESCE(profile_picture_url, ''), joined_date`

// GetUser retrieves a user by ID. This is also the identity lookup the
// lending engine uses to fill in borrower contact details.
func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *service) getUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *service) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.Username, &u.Role,
		&u.Location, &u.Bio, &u.ProfilePictureURL, &u.JoinedDate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// UpdateProfile sanitizes and persists the editable profile fields.
func (s *service) UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if len(update.ProfilePictureURL) > maxPictureLength {
		return nil, fmt.Errorf("profile picture URL is too large")
	}

	user.FullName = truncate(strings.TrimSpace(update.FullName), maxNameLength)
	user.Email = truncate(strings.ToLower(strings.TrimSpace(update.Email)), maxNameLength)
	user.Location = truncate(strings.TrimSpace(update.Location), maxNameLength)
	user.Bio = truncate(strings.TrimSpace(update.Bio), maxBioLength)
	user.ProfilePictureURL = strings.TrimSpace(update.ProfilePictureURL)

	_, err = s.db.ExecContext(ctx, `
		UPDATE users
		SET full_name = $1, email = $2, location = NULLIF($3, ''),
		    bio = NULLIF($4, ''), profile_picture_url = NULLIF($5, '')
		WHERE id = $6
	`, user.FullName, user.Email, user.Location, user.Bio, user.ProfilePictureURL, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

// PromoteToAdmin finds a user by email or username and grants the ADMIN role.
func (s *service) PromoteToAdmin(ctx context.Context, emailOrUsername string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = $1 OR username = $1
	`, strings.TrimSpace(emailOrUsername)).Scan(&u.ID, &u.FullName, &u.Email, &u.Username, &u.Role,
		&u.Location, &u.Bio, &u.ProfilePictureURL, &u.JoinedDate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	if u.Role == RoleAdmin {
		return nil, ErrAlreadyAdmin
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE users SET role = 'ADMIN' WHERE id = $1`, u.ID); err != nil {
		return nil, fmt.Errorf("promote user: %w", err)
	}
	u.Role = RoleAdmin
	return u, nil
}

// HasAnyAdmin reports whether at least one administrator exists.
func (s *service) HasAnyAdmin(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE role = 'ADMIN')`).Scan(&exists)
	return exists, err
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
