// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("book not found")
	ErrNotOwner = errors.New("only the owner may modify a book")

	// ErrActiveRequest blocks deletion while someone is waiting on or
	// holding the book. Resolved history cascades when deletion goes ahead.
	ErrActiveRequest = errors.New("book has an active borrow request")
)

// Book is the catalog's view of a listed copy. Availability and the borrower
// fields belong to the lending engine; the catalog only ever reads status.
type Book struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	ISBN      string    `json:"isbn,omitempty"`
	Genre     string    `json:"genre,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Status    string    `json:"status"`
	DateAdded time.Time `json:"date_added"`
}
