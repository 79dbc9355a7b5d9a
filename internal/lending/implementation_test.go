// internal/lending/implementation_test.go
package lending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIdentity struct {
	users map[uuid.UUID]*UserProfile
	calls atomic.Int32
}

func (s *stubIdentity) ResolveUser(_ context.Context, id uuid.UUID) (*UserProfile, error) {
	s.calls.Add(1)
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

type sentEvent struct {
	UserID  uuid.UUID
	Kind    EventKind
	Payload map[string]string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	fail   error
}

func (n *recordingNotifier) Notify(_ context.Context, userID uuid.UUID, kind EventKind, payload map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.events = append(n.events, sentEvent{UserID: userID, Kind: kind, Payload: payload})
	return nil
}

func (n *recordingNotifier) sent() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEvent(nil), n.events...)
}

type fixture struct {
	store    *MemoryStore
	notifier *recordingNotifier
	identity *stubIdentity
	svc      Service

	owner     uuid.UUID
	requester uuid.UUID
	stranger  uuid.UUID
	book      *Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     NewMemoryStore(),
		notifier:  &recordingNotifier{},
		owner:     uuid.New(),
		requester: uuid.New(),
		stranger:  uuid.New(),
	}
	f.identity = &stubIdentity{users: map[uuid.UUID]*UserProfile{
		f.owner:     {ID: f.owner, DisplayName: "Olive Owner", Email: "olive@example.com"},
		f.requester: {ID: f.requester, DisplayName: "Rita Reader", Email: "rita@example.com"},
		f.stranger:  {ID: f.stranger, DisplayName: "Sam Stranger", Email: "sam@example.com"},
	}}
	f.svc = NewService(f.store, f.identity, f.notifier)

	f.book = &Book{
		ID:        uuid.New(),
		OwnerID:   f.owner,
		Title:     "Atomic Habits",
		Author:    "James Clear",
		ISBN:      "9780735211292",
		Status:    StatusAvailable,
		DateAdded: time.Now().UTC(),
	}
	f.store.PutBook(f.book)
	return f
}

func (f *fixture) currentBook(t *testing.T) *Book {
	t.Helper()
	b, err := f.store.getBookSnapshot(f.book.ID)
	require.NoError(t, err)
	return b
}

// getBookSnapshot reads the committed snapshot outside any engine operation.
func (m *MemoryStore) getBookSnapshot(id uuid.UUID) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBookLocked(id)
}

func TestRequestBorrowCreatesPendingRequest(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	assert.Equal(t, RequestPending, req.State)
	assert.Equal(t, f.book.ID, req.BookID)
	assert.Equal(t, f.requester, req.RequesterID)
	assert.False(t, req.RequestedAt.IsZero())

	book := f.currentBook(t)
	assert.Equal(t, StatusRequested, book.Status)
	assert.Equal(t, "Rita Reader", book.BorrowerName)
	assert.Equal(t, "rita@example.com", book.BorrowerEmail)
	require.NotNil(t, book.DateRequested)
	assert.Nil(t, book.DateBorrowed)

	events := f.notifier.sent()
	require.Len(t, events, 1)
	assert.Equal(t, f.owner, events[0].UserID)
	assert.Equal(t, EventRequestReceived, events[0].Kind)
	assert.Equal(t, "Atomic Habits", events[0].Payload["book_title"])
}

func TestRequestBorrowRejectsOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.owner)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, StatusAvailable, f.currentBook(t).Status)
	assert.Empty(t, f.notifier.sent())
}

func TestRequestBorrowUnknownBook(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestBorrow(context.Background(), uuid.New(), f.requester)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestBorrowUnknownBookSkipsIdentityLookup(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestBorrow(context.Background(), uuid.New(), f.requester)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.identity.calls.Load(), "a missing book should fail before resolving the requester")
}

func TestRequestBorrowByOwnerSkipsIdentityLookup(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.owner)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, f.identity.calls.Load())
}

func TestRequestBorrowWhenAlreadyRequested(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	// A later caller reads the REQUESTED snapshot: that is a failed
	// precondition, not a lost race.
	_, err = f.svc.RequestBorrow(context.Background(), f.book.ID, f.stranger)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestRespondAcceptMarksBookBorrowed(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	accepted, err := f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)
	assert.Equal(t, RequestAccepted, accepted.State)
	require.NotNil(t, accepted.AcceptedAt)

	book := f.currentBook(t)
	assert.Equal(t, StatusBorrowed, book.Status)
	require.NotNil(t, book.DateBorrowed)
	require.NotNil(t, book.DateDue)
	assert.Equal(t, book.DateBorrowed.Add(LoanPeriod), *book.DateDue)

	events := f.notifier.sent()
	require.Len(t, events, 2)
	assert.Equal(t, f.requester, events[1].UserID)
	assert.Equal(t, EventRequestAccepted, events[1].Kind)
}

func TestRespondRejectRestoresAvailability(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	rejected, err := f.svc.RespondToRequest(context.Background(), req.ID, f.owner, false)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, rejected.State)

	book := f.currentBook(t)
	assert.Equal(t, StatusAvailable, book.Status)
	assert.Empty(t, book.BorrowerName)
	assert.Empty(t, book.BorrowerEmail)
	assert.Nil(t, book.DateRequested)
	assert.Nil(t, book.DateBorrowed)
	assert.Nil(t, book.DateDue)

	events := f.notifier.sent()
	require.Len(t, events, 2)
	assert.Equal(t, f.requester, events[1].UserID)
	assert.Equal(t, EventRequestRejected, events[1].Kind)
}

func TestRespondRequiresOwner(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.requester, true)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, StatusRequested, f.currentBook(t).Status)
}

func TestRespondTwiceIsRejectedIdempotently(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)
	after := f.currentBook(t)

	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Second call changed nothing.
	assert.Equal(t, after, f.currentBook(t))
	assert.Len(t, f.notifier.sent(), 2)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	err = f.svc.CancelRequest(context.Background(), req.ID, f.stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	err = f.svc.CancelRequest(context.Background(), req.ID, f.requester)
	require.NoError(t, err)

	book := f.currentBook(t)
	assert.Equal(t, StatusAvailable, book.Status)
	assert.Empty(t, book.BorrowerName)

	events := f.notifier.sent()
	require.Len(t, events, 2)
	assert.Equal(t, f.owner, events[1].UserID)
	assert.Equal(t, EventRequestCancelled, events[1].Kind)

	// Cancelled is terminal.
	err = f.svc.CancelRequest(context.Background(), req.ID, f.requester)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelAcceptedRequestFails(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)

	err = f.svc.CancelRequest(context.Background(), req.ID, f.requester)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusBorrowed, f.currentBook(t).Status)
}

func TestFullRoundTripRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	before := f.currentBook(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)
	err = f.svc.MarkReturned(context.Background(), req.ID, f.owner)
	require.NoError(t, err)

	assert.Equal(t, before, f.currentBook(t))

	done, err := f.svc.GetBookState(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Nil(t, done.ActiveRequest)

	// History stays behind: the request is RETURNED, not gone.
	var returned *BorrowRequest
	require.NoError(t, f.store.View(context.Background(), func(tx ReadTx) error {
		var err error
		returned, err = tx.GetRequest(req.ID)
		return err
	}))
	assert.Equal(t, RequestReturned, returned.State)
	require.NotNil(t, returned.ReturnedAt)
}

func TestMarkReturnedByBorrowerNotifiesOwner(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkReturned(context.Background(), req.ID, f.requester))

	events := f.notifier.sent()
	last := events[len(events)-1]
	assert.Equal(t, EventBookReturned, last.Kind)
	assert.Equal(t, f.owner, last.UserID)
}

func TestMarkReturnedByStrangerForbidden(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	_, err = f.svc.RespondToRequest(context.Background(), req.ID, f.owner, true)
	require.NoError(t, err)
	before := f.currentBook(t)

	err = f.svc.MarkReturned(context.Background(), req.ID, f.stranger)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, before, f.currentBook(t))
}

func TestMarkReturnedPendingRequestFails(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	err = f.svc.MarkReturned(context.Background(), req.ID, f.requester)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetBookState(t *testing.T) {
	f := newFixture(t)

	state, err := f.svc.GetBookState(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, state.Book.Status)
	assert.Nil(t, state.ActiveRequest)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)

	state, err = f.svc.GetBookState(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, state.Book.Status)
	require.NotNil(t, state.ActiveRequest)
	assert.Equal(t, req.ID, state.ActiveRequest.ID)

	_, err = f.svc.GetBookState(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBookStateReportsLedgerTruthOnDrift(t *testing.T) {
	f := newFixture(t)

	// Corrupt the snapshot: BORROWED with no active request behind it.
	drifted := *f.book
	drifted.Status = StatusBorrowed
	drifted.BorrowerName = "Ghost"
	f.store.PutBook(&drifted)

	state, err := f.svc.GetBookState(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, state.Book.Status)
	assert.Empty(t, state.Book.BorrowerName)
}

func TestMutationRepairsDriftedSnapshot(t *testing.T) {
	f := newFixture(t)

	// Snapshot claims REQUESTED, ledger says nothing is active. The ledger
	// wins: the book is requestable, and the write fixes the stored row.
	drifted := *f.book
	drifted.Status = StatusRequested
	f.store.PutBook(&drifted)

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.State)
	assert.Equal(t, StatusRequested, f.currentBook(t).Status)
	assert.Equal(t, "Rita Reader", f.currentBook(t).BorrowerName)
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = errors.New("smtp down")

	req, err := f.svc.RequestBorrow(context.Background(), f.book.ID, f.requester)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.State)
	assert.Equal(t, StatusRequested, f.currentBook(t).Status)
}

// barrierStore holds every transaction at its commit point until all expected
// participants have staged their writes, forcing a genuine read-then-race.
type barrierStore struct {
	Store
	gate *sync.WaitGroup
}

func (b *barrierStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return b.Store.Atomically(ctx, func(tx Tx) error {
		err := fn(tx)
		b.gate.Done()
		b.gate.Wait()
		return err
	})
}

func TestConcurrentRequestBorrowExactlyOneWins(t *testing.T) {
	f := newFixture(t)

	gate := &sync.WaitGroup{}
	gate.Add(2)
	racing := NewService(&barrierStore{Store: f.store, gate: gate}, f.identity, f.notifier)

	results := make(chan error, 2)
	for _, user := range []uuid.UUID{f.requester, f.stranger} {
		go func(u uuid.UUID) {
			_, err := racing.RequestBorrow(context.Background(), f.book.ID, u)
			results <- err
		}(user)
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			failures = append(failures, err)
		}
	}

	// Both read AVAILABLE before either committed, so the loser's
	// compare-and-set reports a conflict, not an invalid state.
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrConflict)

	state, err := f.svc.GetBookState(context.Background(), f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, state.Book.Status)
	require.NotNil(t, state.ActiveRequest)
	assert.Equal(t, RequestPending, state.ActiveRequest.State)
}
