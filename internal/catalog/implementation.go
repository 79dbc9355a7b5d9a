// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// service implements the Service interface.
type service struct {
	db      *sql.DB
	lending LendingChecker
	search  *SearchIndex // nil when Meilisearch is not configured
}

// NewService creates a new catalog service instance.
func NewService(db *sql.DB, lending LendingChecker, search *SearchIndex) Service {
	return &service{
		db:      db,
		lending: lending,
		search:  search,
	}
}

// EnsureSchema creates the books table. The definition matches the lending
// engine's, which extends the same table with its snapshot columns; whoever
// starts first wins and the other is a no-op.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
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
	`)
	return err
}

// AddBook lists a new copy owned by ownerID. Every book starts AVAILABLE;
// only the lending engine moves it from there.
func (s *service) AddBook(ctx context.Context, ownerID uuid.UUID, book Book) (*Book, error) {
	if strings.TrimSpace(book.Title) == "" || strings.TrimSpace(book.Author) == "" {
		return nil, fmt.Errorf("title and author are required")
	}

	book.ID = uuid.New()
	book.OwnerID = ownerID
	book.Status = "AVAILABLE"
	book.DateAdded = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, owner_id, title, author, isbn, genre, image_url, status, date_added)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, book.ID, book.OwnerID, book.Title, book.Author, book.ISBN, book.Genre, book.ImageURL, book.Status, book.DateAdded)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}

	if s.search != nil {
		if err := s.search.indexBook(&book); err != nil {
			log.Printf("catalog: failed to index book %s: %v", book.ID, err)
		}
	}
	return &book, nil
}

const bookColumns = `id, owner_id, title, author, COALESCE(isbn, ''), COALESCE(genre, ''),
	COALESCE(image_url, ''), status, date_added`

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	b := &Book{}
	err := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id).
		Scan(&b.ID, &b.OwnerID, &b.Title, &b.Author, &b.ISBN, &b.Genre, &b.ImageURL, &b.Status, &b.DateAdded)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

// ListByOwner returns all books a user has listed.
func (s *service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE owner_id = $1 ORDER BY date_added DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()
	return scanBooks(rows)
}

// Search finds books by title or author, via Meilisearch when configured and
// the database otherwise.
func (s *service) Search(ctx context.Context, query string) ([]*Book, error) {
	if s.search != nil {
		ids, err := s.search.searchBookIDs(query)
		if err == nil {
			return s.booksByID(ctx, ids)
		}
		log.Printf("catalog: search index unavailable, falling back to database: %v", err)
	}
	return s.searchDatabase(ctx, query)
}

func (s *service) searchDatabase(ctx context.Context, query string) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookColumns+`
		FROM books
		WHERE to_tsvector('english', title || ' ' || author) @@ websearch_to_tsquery('english', $1)
		LIMIT 10
	`, query)
	if err != nil {
		return nil, fmt.Errorf("database search failed: %w", err)
	}
	defer rows.Close()
	return scanBooks(rows)
}

func (s *service) booksByID(ctx context.Context, ids []uuid.UUID) ([]*Book, error) {
	var books []*Book
	for _, id := range ids {
		b, err := s.GetBook(ctx, id)
		if err == ErrNotFound {
			continue // stale index entry
		}
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

func scanBooks(rows *sql.Rows) ([]*Book, error) {
	var books []*Book
	for rows.Next() {
		b := &Book{}
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Title, &b.Author, &b.ISBN, &b.Genre, &b.ImageURL, &b.Status, &b.DateAdded); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// RemoveBook deletes a listing and its resolved request history. Deletion is
// refused while an active request exists.
func (s *service) RemoveBook(ctx context.Context, id, actingUserID uuid.UUID) error {
	book, err := s.GetBook(ctx, id)
	if err != nil {
		return err
	}
	if book.OwnerID != actingUserID {
		return ErrNotOwner
	}

	active, err := s.lending.HasActiveRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("check active requests: %w", err)
	}
	if active {
		return ErrActiveRequest
	}

	// Request history rows cascade via the foreign key.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}

	if s.search != nil {
		if err := s.search.removeBook(id); err != nil {
			log.Printf("catalog: failed to deindex book %s: %v", id, err)
		}
	}
	return nil
}
