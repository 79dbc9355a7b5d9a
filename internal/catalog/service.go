// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, ownerID uuid.UUID, book Book) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Book, error)
	Search(ctx context.Context, query string) ([]*Book, error)
	RemoveBook(ctx context.Context, id, actingUserID uuid.UUID) error
}

// LendingChecker answers whether a book currently has an active borrow
// request; deletion is refused while one exists.
type LendingChecker interface {
	HasActiveRequest(ctx context.Context, bookID uuid.UUID) (bool, error)
}
