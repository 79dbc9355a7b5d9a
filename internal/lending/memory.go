// internal/lending/memory.go
package lending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same optimistic semantics as
// the Postgres store: reads inside a transaction see committed state, writes
// are staged, and every guard is re-validated under the lock at commit. A
// transaction whose guards no longer hold applies nothing and fails with
// ErrConflict.
type MemoryStore struct {
	mu       sync.Mutex
	books    map[uuid.UUID]*Book
	requests map[uuid.UUID]*BorrowRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[uuid.UUID]*Book),
		requests: make(map[uuid.UUID]*BorrowRequest),
	}
}

// PutBook stores a book snapshot unconditionally. It exists for seeding and
// tests; the engine itself only writes through CompareAndSetBook.
func (m *MemoryStore) PutBook(b *Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = copyBook(b)
}

// stagedWrite is one buffered mutation: its guard is checked under the lock
// before any write in the transaction is applied.
type stagedWrite struct {
	validate func() error
	apply    func()
}

// memoryTx reads committed state one lock acquisition at a time rather than
// pinning a snapshot for the whole transaction, so a concurrent commit can
// land between two reads. That is safe here because every write names the
// state it expects: commit re-validates all guards under one lock and a
// transaction built on stale reads fails with ErrConflict instead of
// applying, the same outcome a serialization failure produces in Postgres.
type memoryTx struct {
	store  *MemoryStore
	staged []stagedWrite
}

func (m *MemoryStore) Atomically(_ context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// All guards must hold before anything is written.
	for _, w := range tx.staged {
		if err := w.validate(); err != nil {
			return err
		}
	}
	for _, w := range tx.staged {
		w.apply()
	}
	return nil
}

func (m *MemoryStore) View(_ context.Context, fn func(tx ReadTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryReadTx{store: m})
}

// memoryReadTx reads while the store lock is already held.
type memoryReadTx struct {
	store *MemoryStore
}

func (t *memoryReadTx) GetBook(id uuid.UUID) (*Book, error) {
	return t.store.getBookLocked(id)
}

func (t *memoryReadTx) GetRequest(id uuid.UUID) (*BorrowRequest, error) {
	return t.store.getRequestLocked(id)
}

func (t *memoryReadTx) ListActiveForBook(bookID uuid.UUID) ([]*BorrowRequest, error) {
	return t.store.listActiveLocked(bookID), nil
}

func (m *MemoryStore) getBookLocked(id uuid.UUID) (*Book, error) {
	b, ok := m.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBook(b), nil
}

func (m *MemoryStore) getRequestLocked(id uuid.UUID) (*BorrowRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) listActiveLocked(bookID uuid.UUID) []*BorrowRequest {
	var active []*BorrowRequest
	for _, r := range m.requests {
		if r.BookID == bookID && r.State.IsActive() {
			active = append(active, copyRequest(r))
		}
	}
	return active
}

func (t *memoryTx) GetBook(id uuid.UUID) (*Book, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.getBookLocked(id)
}

func (t *memoryTx) GetRequest(id uuid.UUID) (*BorrowRequest, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.getRequestLocked(id)
}

func (t *memoryTx) ListActiveForBook(bookID uuid.UUID) ([]*BorrowRequest, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.listActiveLocked(bookID), nil
}

func (t *memoryTx) CompareAndSetBook(id uuid.UUID, expected BookStatus, snapshot *Book) error {
	snap := copyBook(snapshot)
	t.staged = append(t.staged, stagedWrite{
		validate: func() error {
			current, ok := t.store.books[id]
			if !ok {
				return ErrNotFound
			}
			if current.Status != expected {
				return ErrConflict
			}
			return nil
		},
		apply: func() { t.store.books[id] = snap },
	})
	return nil
}

func (t *memoryTx) CreateRequest(req *BorrowRequest) error {
	r := copyRequest(req)
	t.staged = append(t.staged, stagedWrite{
		validate: func() error {
			// Mirrors the partial unique index on active requests per book.
			if r.State.IsActive() && len(t.store.listActiveLocked(r.BookID)) > 0 {
				return ErrConflict
			}
			return nil
		},
		apply: func() { t.store.requests[r.ID] = r },
	})
	return nil
}

func (t *memoryTx) TransitionRequest(req *BorrowRequest, from, to RequestState) error {
	r := copyRequest(req)
	r.State = to
	t.staged = append(t.staged, stagedWrite{
		validate: func() error {
			current, ok := t.store.requests[r.ID]
			if !ok {
				return ErrNotFound
			}
			if current.State != from {
				return ErrConflict
			}
			return nil
		},
		apply: func() { t.store.requests[r.ID] = r },
	})
	return nil
}

func copyBook(b *Book) *Book {
	c := *b
	c.DateRequested = copyTimePtr(b.DateRequested)
	c.DateBorrowed = copyTimePtr(b.DateBorrowed)
	c.DateDue = copyTimePtr(b.DateDue)
	return &c
}

func copyRequest(r *BorrowRequest) *BorrowRequest {
	c := *r
	c.AcceptedAt = copyTimePtr(r.AcceptedAt)
	c.ReturnedAt = copyTimePtr(r.ReturnedAt)
	return &c
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
