package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"github.com/arc-agents/arcgo/internal/agent"
)

// TranscriptHit is one full-text search result over stored transcripts.
type TranscriptHit struct {
	ID        string
	SessionID string
	Role      string
	Score     float64
}

// TranscriptIndex provides BM25 keyword search over session transcripts so
// operators can find past conversations by content.
type TranscriptIndex struct {
	index bleve.Index
}

// NewTranscriptIndex creates or opens a persistent index at path. An empty
// path builds a memory-only index.
func NewTranscriptIndex(path string) (*TranscriptIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(buildTranscriptMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript index: %w", err)
		}
		return &TranscriptIndex{index: index}, nil
	}

	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildTranscriptMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript index: %w", err)
	}
	return &TranscriptIndex{index: index}, nil
}

func buildTranscriptMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	sessionField := bleve.NewTextFieldMapping()
	sessionField.Analyzer = keyword.Name
	sessionField.Store = true
	sessionField.Index = true
	docMapping.AddFieldMappingsAt("session_id", sessionField)

	roleField := bleve.NewTextFieldMapping()
	roleField.Analyzer = keyword.Name
	roleField.Store = true
	roleField.Index = true
	docMapping.AddFieldMappingsAt("role", roleField)

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = false
	contentField.Index = true
	docMapping.AddFieldMappingsAt("content", contentField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index adds one transcript message to the index.
func (t *TranscriptIndex) Index(sessionID, role, content string) error {
	id := uuid.NewString()
	doc := map[string]interface{}{
		"session_id": sessionID,
		"role":       role,
		"content":    content,
	}
	return t.index.Index(id, doc)
}

// Search runs a keyword query, optionally scoped to one session.
func (t *TranscriptIndex) Search(query, sessionID string, k int) ([]TranscriptHit, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	if sessionID != "" {
		sessionQuery := bleve.NewTermQuery(sessionID)
		sessionQuery.SetField("session_id")
		req = bleve.NewSearchRequest(bleve.NewConjunctionQuery(q, sessionQuery))
	}
	req.Size = k
	req.Fields = []string{"session_id", "role"}

	result, err := t.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("transcript search failed: %w", err)
	}

	hits := make([]TranscriptHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		h := TranscriptHit{ID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["session_id"].(string); ok {
			h.SessionID = v
		}
		if v, ok := hit.Fields["role"].(string); ok {
			h.Role = v
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Close closes the index.
func (t *TranscriptIndex) Close() error {
	return t.index.Close()
}

// IndexedStore decorates a Store so every appended message is also indexed
// for full-text search. Index failures do not fail the append; losing a
// search document is acceptable, losing history is not.
type IndexedStore struct {
	Store
	idx *TranscriptIndex
}

// NewIndexedStore wraps store with idx.
func NewIndexedStore(store Store, idx *TranscriptIndex) *IndexedStore {
	return &IndexedStore{Store: store, idx: idx}
}

func (s *IndexedStore) Append(ctx context.Context, sessionID string, msgs ...agent.Message) error {
	if err := s.Store.Append(ctx, sessionID, msgs...); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if err := s.idx.Index(sessionID, string(m.Role), m.Content); err != nil {
			slog.Warn("transcript indexing failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Search runs a keyword query over the indexed transcripts.
func (s *IndexedStore) Search(query, sessionID string, k int) ([]TranscriptHit, error) {
	return s.idx.Search(query, sessionID, k)
}

func (s *IndexedStore) Close() error {
	ierr := s.idx.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return ierr
}
