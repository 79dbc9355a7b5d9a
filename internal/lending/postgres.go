// internal/lending/postgres.go
package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PostgresStore persists snapshots and the ledger in Postgres. Transactions
// run at serializable isolation; on top of that every write is guarded by the
// state it expects, so a lost race always surfaces as ErrConflict rather
// than a silent overwrite.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("peerreads/lending"),
	}
}

// EnsureSchema creates the lending tables and the partial unique index that
// enforces at most one active request per book at the schema level.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS books (
			id UUID PRIMARY KEY,
			owner_id UUID NOT NULL,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			isbn TEXT,
			genre TEXT,
			image_url TEXT,
			status TEXT NOT NULL DEFAULT 'AVAILABLE',
			borrower_name TEXT,
			borrower_email TEXT,
			date_requested TIMESTAMPTZ,
			date_borrowed TIMESTAMPTZ,
			date_due TIMESTAMPTZ,
			date_added TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS borrow_requests (
			id UUID PRIMARY KEY,
			book_id UUID NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			requester_id UUID NOT NULL,
			state TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			accepted_at TIMESTAMPTZ,
			returned_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS one_active_request_per_book
			ON borrow_requests (book_id)
			WHERE state IN ('PENDING', 'ACCEPTED');
	`)
	return err
}

func (s *PostgresStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "lending.store.atomically")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		span.SetAttributes(attribute.Bool("conflict.detected", errors.Is(err, ErrConflict)))
		return mapPQError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapPQError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	ctx, span := s.tracer.Start(ctx, "lending.store.view")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// mapPQError folds the Postgres failure modes of an optimistic transaction
// into ErrConflict: 40001 serialization_failure and 23505 unique_violation
// (the partial index catching a racing active request).
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "40001" || pqErr.Code == "23505" {
			return ErrConflict
		}
	}
	return err
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

const bookColumns = `id, owner_id, title, author, COALESCE(isbn, ''), COALESCE(genre, ''),
	COALESCE(image_url, ''), status, COALESCE(borrower_name, ''), COALESCE(borrower_email, ''),
	date_requested, date_borrowed, date_due, date_added`

func (t *pgTx) GetBook(id uuid.UUID) (*Book, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	return scanBook(row)
}

func scanBook(row *sql.Row) (*Book, error) {
	b := &Book{}
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.Title, &b.Author, &b.ISBN, &b.Genre, &b.ImageURL,
		&b.Status, &b.BorrowerName, &b.BorrowerEmail,
		&b.DateRequested, &b.DateBorrowed, &b.DateDue, &b.DateAdded,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan book: %w", err)
	}
	return b, nil
}

func (t *pgTx) GetRequest(id uuid.UUID) (*BorrowRequest, error) {
	r := &BorrowRequest{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, book_id, requester_id, state, requested_at, accepted_at, returned_at
		FROM borrow_requests WHERE id = $1
	`, id).Scan(&r.ID, &r.BookID, &r.RequesterID, &r.State, &r.RequestedAt, &r.AcceptedAt, &r.ReturnedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	return r, nil
}

func (t *pgTx) ListActiveForBook(bookID uuid.UUID) ([]*BorrowRequest, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, book_id, requester_id, state, requested_at, accepted_at, returned_at
		FROM borrow_requests
		WHERE book_id = $1 AND state IN ('PENDING', 'ACCEPTED')
		ORDER BY requested_at
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query active requests: %w", err)
	}
	defer rows.Close()

	var active []*BorrowRequest
	for rows.Next() {
		r := &BorrowRequest{}
		if err := rows.Scan(&r.ID, &r.BookID, &r.RequesterID, &r.State, &r.RequestedAt, &r.AcceptedAt, &r.ReturnedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		active = append(active, r)
	}
	return active, rows.Err()
}

func (t *pgTx) CompareAndSetBook(id uuid.UUID, expected BookStatus, snapshot *Book) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE books
		SET status = $1,
		    borrower_name = NULLIF($2, ''),
		    borrower_email = NULLIF($3, ''),
		    date_requested = $4,
		    date_borrowed = $5,
		    date_due = $6
		WHERE id = $7 AND status = $8
	`, snapshot.Status, snapshot.BorrowerName, snapshot.BorrowerEmail,
		snapshot.DateRequested, snapshot.DateBorrowed, snapshot.DateDue, id, expected)
	if err != nil {
		return fmt.Errorf("update book snapshot: %w", err)
	}
	return t.requireOneRow(res, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, id)
}

func (t *pgTx) CreateRequest(req *BorrowRequest) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO borrow_requests (id, book_id, requester_id, state, requested_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.BookID, req.RequesterID, req.State, req.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (t *pgTx) TransitionRequest(req *BorrowRequest, from, to RequestState) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE borrow_requests
		SET state = $1, accepted_at = $2, returned_at = $3
		WHERE id = $4 AND state = $5
	`, to, req.AcceptedAt, req.ReturnedAt, req.ID, from)
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	return t.requireOneRow(res, `SELECT EXISTS (SELECT 1 FROM borrow_requests WHERE id = $1)`, req.ID)
}

// requireOneRow distinguishes a guard miss from a missing row when a guarded
// UPDATE touched nothing.
func (t *pgTx) requireOneRow(res sql.Result, existsQuery string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRowContext(t.ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
