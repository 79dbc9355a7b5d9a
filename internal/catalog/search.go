// internal/catalog/search.go
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/meilisearch/meilisearch-go"
)

// SearchIndex wraps the Meilisearch books index.
type SearchIndex struct {
	index meilisearch.IndexManager
}

// NewSearchIndex connects to Meilisearch. Pass the result to NewService; a
// nil index means database-only search.
func NewSearchIndex(host, apiKey string) *SearchIndex {
	client := meilisearch.New(host, meilisearch.WithAPIKey(apiKey))
	return &SearchIndex{index: client.Index("books")}
}

type bookDocument struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Genre  string `json:"genre,omitempty"`
}

func (s *SearchIndex) indexBook(b *Book) error {
	doc := bookDocument{
		ID:     b.ID.String(),
		Title:  b.Title,
		Author: b.Author,
		Genre:  b.Genre,
	}
	if _, err := s.index.AddDocuments([]bookDocument{doc}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (s *SearchIndex) removeBook(id uuid.UUID) error {
	if _, err := s.index.DeleteDocument(id.String()); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *SearchIndex) searchBookIDs(query string) ([]uuid.UUID, error) {
	resp, err := s.index.Search(query, &meilisearch.SearchRequest{Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var ids []uuid.UUID
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var doc bookDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if id, err := uuid.Parse(doc.ID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
