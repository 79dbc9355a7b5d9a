// internal/lending/store.go
package lending

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the lending engine: the book
// availability snapshots and the borrow-request ledger, mutated together
// inside one atomic unit of work.
type Store interface {
	// Atomically runs fn inside a single transaction. If fn returns an
	// error, or any compare-and-set guard inside it fails, nothing is
	// written. Guard failures surface as ErrConflict.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent read-only view.
	View(ctx context.Context, fn func(tx ReadTx) error) error
}

// ReadTx is the read half of a transaction.
type ReadTx interface {
	GetBook(id uuid.UUID) (*Book, error)
	GetRequest(id uuid.UUID) (*BorrowRequest, error)

	// ListActiveForBook returns the requests for a book whose state is
	// PENDING or ACCEPTED, consistent within the enclosing transaction.
	ListActiveForBook(bookID uuid.UUID) ([]*BorrowRequest, error)
}

// Tx adds the guarded mutations. There is no unconditional update path: every
// write names the state it expects to replace.
type Tx interface {
	ReadTx

	// CompareAndSetBook replaces the book's snapshot only if its stored
	// status still equals expected; otherwise the transaction fails with
	// ErrConflict.
	CompareAndSetBook(id uuid.UUID, expected BookStatus, snapshot *Book) error

	// CreateRequest appends a PENDING ledger entry.
	CreateRequest(req *BorrowRequest) error

	// TransitionRequest moves a request from one state to another only if it
	// is still in from; otherwise the transaction fails with ErrConflict.
	TransitionRequest(req *BorrowRequest, from, to RequestState) error
}
