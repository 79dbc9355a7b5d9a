// internal/lending/implementation.go
package lending

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	store    Store
	identity IdentityResolver
	notifier Notifier
	tracer   trace.Tracer
}

// NewService creates the lending workflow engine.
func NewService(store Store, identity IdentityResolver, notifier Notifier) Service {
	return &service{
		store:    store,
		identity: identity,
		notifier: notifier,
		tracer:   otel.Tracer("peerreads/lending"),
	}
}

// RequestBorrow creates a PENDING request and flips the book to REQUESTED.
// Exactly one of any set of concurrent callers wins; the rest fail with
// ErrConflict and should re-read state rather than resubmit blindly.
func (s *service) RequestBorrow(ctx context.Context, bookID, requesterID uuid.UUID) (*BorrowRequest, error) {
	ctx, span := s.tracer.Start(ctx, "lending.request_borrow",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("requester.id", requesterID.String()),
		),
	)
	defer span.End()

	// Check the local preconditions before paying for the identity lookup:
	// a missing book or a self-request should fail on its own terms, not as
	// a resolver error.
	err := s.store.View(ctx, func(tx ReadTx) error {
		book, _, err := s.derive(tx, bookID)
		if err != nil {
			return err
		}
		if book.OwnerID == requesterID {
			return fmt.Errorf("%w: owners cannot borrow their own book", ErrForbidden)
		}
		if book.Status != StatusAvailable {
			return fmt.Errorf("%w: book is not available", ErrInvalidState)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	profile, err := s.identity.ResolveUser(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("resolve requester: %w", err)
	}

	var (
		created *BorrowRequest
		ownerID uuid.UUID
		title   string
	)
	err = s.store.Atomically(ctx, func(tx Tx) error {
		book, stored, err := s.derive(tx, bookID)
		if err != nil {
			return err
		}
		if book.OwnerID == requesterID {
			return fmt.Errorf("%w: owners cannot borrow their own book", ErrForbidden)
		}
		if book.Status != StatusAvailable {
			return fmt.Errorf("%w: book is not available", ErrInvalidState)
		}

		now := time.Now().UTC()
		created = &BorrowRequest{
			ID:          uuid.New(),
			BookID:      bookID,
			RequesterID: requesterID,
			State:       RequestPending,
			RequestedAt: now,
		}
		if err := tx.CreateRequest(created); err != nil {
			return err
		}

		snap := *book
		snap.Status = StatusRequested
		snap.BorrowerName = profile.DisplayName
		snap.BorrowerEmail = profile.Email
		snap.DateRequested = &now
		ownerID, title = book.OwnerID, book.Title
		return tx.CompareAndSetBook(bookID, stored, &snap)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, ownerID, EventRequestReceived, map[string]string{
		"request_id": created.ID.String(),
		"book_id":    bookID.String(),
		"book_title": title,
		"requester":  profile.DisplayName,
	})
	return created, nil
}

// RespondToRequest lets the owner accept or reject a PENDING request. A
// request that was already resolved fails with ErrAlreadyResolved and leaves
// book state untouched.
func (s *service) RespondToRequest(ctx context.Context, requestID, actingUserID uuid.UUID, accept bool) (*BorrowRequest, error) {
	ctx, span := s.tracer.Start(ctx, "lending.respond_to_request",
		trace.WithAttributes(
			attribute.String("request.id", requestID.String()),
			attribute.Bool("accept", accept),
		),
	)
	defer span.End()

	var (
		req   *BorrowRequest
		title string
	)
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		book, stored, err := s.derive(tx, req.BookID)
		if err != nil {
			return err
		}
		if book.OwnerID != actingUserID {
			return fmt.Errorf("%w: only the owner may respond to a request", ErrForbidden)
		}
		if req.State != RequestPending {
			return ErrAlreadyResolved
		}
		title = book.Title

		now := time.Now().UTC()
		if accept {
			req.AcceptedAt = &now
			if err := tx.TransitionRequest(req, RequestPending, RequestAccepted); err != nil {
				return err
			}
			req.State = RequestAccepted

			due := now.Add(LoanPeriod)
			snap := *book
			snap.Status = StatusBorrowed
			snap.DateBorrowed = &now
			snap.DateDue = &due
			return tx.CompareAndSetBook(book.ID, stored, &snap)
		}

		if err := tx.TransitionRequest(req, RequestPending, RequestRejected); err != nil {
			return err
		}
		req.State = RequestRejected

		snap := *book
		snap.ClearBorrower()
		return tx.CompareAndSetBook(book.ID, stored, &snap)
	})
	if err != nil {
		return nil, err
	}

	kind := EventRequestRejected
	if accept {
		kind = EventRequestAccepted
	}
	s.notify(ctx, req.RequesterID, kind, map[string]string{
		"request_id": req.ID.String(),
		"book_id":    req.BookID.String(),
		"book_title": title,
	})
	return req, nil
}

// CancelRequest lets the requester withdraw a still-PENDING request.
func (s *service) CancelRequest(ctx context.Context, requestID, actingUserID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "lending.cancel_request",
		trace.WithAttributes(attribute.String("request.id", requestID.String())),
	)
	defer span.End()

	var (
		ownerID uuid.UUID
		req     *BorrowRequest
		title   string
	)
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != actingUserID {
			return fmt.Errorf("%w: only the requester may cancel a request", ErrForbidden)
		}
		if req.State != RequestPending {
			return fmt.Errorf("%w: request is not pending", ErrInvalidState)
		}
		book, stored, err := s.derive(tx, req.BookID)
		if err != nil {
			return err
		}
		ownerID, title = book.OwnerID, book.Title

		if err := tx.TransitionRequest(req, RequestPending, RequestCancelled); err != nil {
			return err
		}
		req.State = RequestCancelled

		snap := *book
		snap.ClearBorrower()
		return tx.CompareAndSetBook(book.ID, stored, &snap)
	})
	if err != nil {
		return err
	}

	s.notify(ctx, ownerID, EventRequestCancelled, map[string]string{
		"request_id": req.ID.String(),
		"book_id":    req.BookID.String(),
		"book_title": title,
	})
	return nil
}

// MarkReturned closes out an ACCEPTED loan. Either party may record the
// return; the counterparty is notified.
func (s *service) MarkReturned(ctx context.Context, requestID, actingUserID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "lending.mark_returned",
		trace.WithAttributes(attribute.String("request.id", requestID.String())),
	)
	defer span.End()

	var (
		notifyUser uuid.UUID
		req        *BorrowRequest
		title      string
	)
	err := s.store.Atomically(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		book, stored, err := s.derive(tx, req.BookID)
		if err != nil {
			return err
		}
		switch actingUserID {
		case book.OwnerID:
			notifyUser = req.RequesterID
		case req.RequesterID:
			notifyUser = book.OwnerID
		default:
			return fmt.Errorf("%w: only the owner or the borrower may mark a book returned", ErrForbidden)
		}
		if req.State != RequestAccepted {
			return fmt.Errorf("%w: request is not an accepted loan", ErrInvalidState)
		}
		if book.Status != StatusBorrowed {
			return fmt.Errorf("%w: book is not borrowed", ErrInvalidState)
		}
		title = book.Title

		now := time.Now().UTC()
		req.ReturnedAt = &now
		if err := tx.TransitionRequest(req, RequestAccepted, RequestReturned); err != nil {
			return err
		}
		req.State = RequestReturned

		snap := *book
		snap.ClearBorrower()
		return tx.CompareAndSetBook(book.ID, stored, &snap)
	})
	if err != nil {
		return err
	}

	s.notify(ctx, notifyUser, EventBookReturned, map[string]string{
		"request_id": req.ID.String(),
		"book_id":    req.BookID.String(),
		"book_title": title,
	})
	return nil
}

// GetBookState is the read-only projection of a book plus its active request.
// It has no side effects: if snapshot and ledger disagree it reports the
// ledger-derived truth and leaves the repair to the next mutation.
func (s *service) GetBookState(ctx context.Context, bookID uuid.UUID) (*BookState, error) {
	ctx, span := s.tracer.Start(ctx, "lending.get_book_state",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	state := &BookState{}
	err := s.store.View(ctx, func(tx ReadTx) error {
		book, err := tx.GetBook(bookID)
		if err != nil {
			return err
		}
		active, err := tx.ListActiveForBook(bookID)
		if err != nil {
			return err
		}
		state.Book = reconciled(book, active)
		if len(active) > 0 {
			state.ActiveRequest = active[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// derive loads a book and reconciles its status against the ledger. It
// returns the ledger-authoritative view for validation and the stored status,
// which the operation's compare-and-set must name so that any repair rides on
// the same guarded write.
func (s *service) derive(tx ReadTx, bookID uuid.UUID) (*Book, BookStatus, error) {
	book, err := tx.GetBook(bookID)
	if err != nil {
		return nil, "", err
	}
	stored := book.Status

	active, err := tx.ListActiveForBook(bookID)
	if err != nil {
		return nil, "", err
	}
	view := reconciled(book, active)
	if view.Status != stored {
		log.Printf("lending: book %s snapshot says %s but ledger says %s; ledger wins",
			bookID, stored, view.Status)
	}
	return view, stored, nil
}

// reconciled returns the snapshot corrected to what the ledger implies. The
// ledger is authoritative: no active request means AVAILABLE, a PENDING
// request means REQUESTED, an ACCEPTED one means BORROWED.
func reconciled(book *Book, active []*BorrowRequest) *Book {
	view := *book
	if len(active) == 0 {
		if view.Status != StatusAvailable {
			view.ClearBorrower()
		}
		return &view
	}

	req := active[0]
	switch req.State {
	case RequestPending:
		view.Status = StatusRequested
		if view.DateRequested == nil {
			t := req.RequestedAt
			view.DateRequested = &t
		}
	case RequestAccepted:
		view.Status = StatusBorrowed
		if view.DateBorrowed == nil && req.AcceptedAt != nil {
			t := *req.AcceptedAt
			view.DateBorrowed = &t
		}
	}
	return &view
}

// notify is fire-and-forget: a failed delivery is logged, never propagated,
// so the committed transition stays authoritative.
func (s *service) notify(ctx context.Context, userID uuid.UUID, kind EventKind, payload map[string]string) {
	if err := s.notifier.Notify(ctx, userID, kind, payload); err != nil {
		log.Printf("lending: failed to deliver %s notification to user %s: %v", kind, userID, err)
	}
}
