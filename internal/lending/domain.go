// internal/lending/domain.go
package lending

import (
	"time"

	"github.com/google/uuid"
)

// BookStatus is the denormalized availability state stored on a book row.
type BookStatus string

const (
	StatusAvailable BookStatus = "AVAILABLE"
	StatusRequested BookStatus = "REQUESTED"
	StatusBorrowed  BookStatus = "BORROWED"
)

// RequestState is the lifecycle state of a single borrow request.
type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestAccepted  RequestState = "ACCEPTED"
	RequestRejected  RequestState = "REJECTED"
	RequestReturned  RequestState = "RETURNED"
	RequestCancelled RequestState = "CANCELLED"
)

// IsActive reports whether a request still blocks the book from being
// requested by someone else. REJECTED, RETURNED and CANCELLED are terminal.
func (s RequestState) IsActive() bool {
	return s == RequestPending || s == RequestAccepted
}

// LoanPeriod is how long an accepted loan runs before it is due back.
const LoanPeriod = 14 * 24 * time.Hour

// Book is the current snapshot of one physical, ownable copy. The borrower
// fields mirror the active request and are empty exactly when the book is
// AVAILABLE; the request ledger is the source of truth if they ever disagree.
type Book struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	ISBN          string     `json:"isbn,omitempty"`
	Genre         string     `json:"genre,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	Status        BookStatus `json:"status"`
	BorrowerName  string     `json:"borrower_name,omitempty"`
	BorrowerEmail string     `json:"borrower_email,omitempty"`
	DateRequested *time.Time `json:"date_requested,omitempty"`
	DateBorrowed  *time.Time `json:"date_borrowed,omitempty"`
	DateDue       *time.Time `json:"date_due,omitempty"`
	DateAdded     time.Time  `json:"date_added"`
}

// ClearBorrower resets the snapshot to its AVAILABLE shape.
func (b *Book) ClearBorrower() {
	b.Status = StatusAvailable
	b.BorrowerName = ""
	b.BorrowerEmail = ""
	b.DateRequested = nil
	b.DateBorrowed = nil
	b.DateDue = nil
}

// BorrowRequest is one ledger entry: one user's attempt to borrow one book.
type BorrowRequest struct {
	ID          uuid.UUID    `json:"id"`
	BookID      uuid.UUID    `json:"book_id"`
	RequesterID uuid.UUID    `json:"requester_id"`
	State       RequestState `json:"state"`
	RequestedAt time.Time    `json:"requested_at"`
	AcceptedAt  *time.Time   `json:"accepted_at,omitempty"`
	ReturnedAt  *time.Time   `json:"returned_at,omitempty"`
}

// BookState is the read-only projection served by GetBookState: the snapshot
// plus the active request against it, if any.
type BookState struct {
	Book          *Book          `json:"book"`
	ActiveRequest *BorrowRequest `json:"active_request,omitempty"`
}

// UserProfile is what the identity collaborator resolves for a user id; it is
// copied into the denormalized borrower fields on request.
type UserProfile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
}

// EventKind classifies the notifications the engine emits.
type EventKind string

const (
	EventRequestReceived  EventKind = "request.received"
	EventRequestAccepted  EventKind = "request.accepted"
	EventRequestRejected  EventKind = "request.rejected"
	EventRequestCancelled EventKind = "request.cancelled"
	EventBookReturned     EventKind = "book.returned"
)
