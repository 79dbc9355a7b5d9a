// internal/lending/service.go
package lending

import (
	"context"

	"github.com/google/uuid"
)

// Service is the lending workflow engine. Every mutation of a book's
// availability or its request ledger goes through these five operations.
type Service interface {
	RequestBorrow(ctx context.Context, bookID, requesterID uuid.UUID) (*BorrowRequest, error)
	RespondToRequest(ctx context.Context, requestID, actingUserID uuid.UUID, accept bool) (*BorrowRequest, error)
	CancelRequest(ctx context.Context, requestID, actingUserID uuid.UUID) error
	MarkReturned(ctx context.Context, requestID, actingUserID uuid.UUID) error
	GetBookState(ctx context.Context, bookID uuid.UUID) (*BookState, error)
}

// IdentityResolver looks up the profile snapshot copied into the denormalized
// borrower fields. The engine never mutates user records.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, id uuid.UUID) (*UserProfile, error)
}

// Notifier records an event addressed to a user. Fire-and-forget: the engine
// logs delivery failures instead of failing the transition.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, kind EventKind, payload map[string]string) error
}
