package vector

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"okami/internal/logging"
)

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	PersistPath string // empty = in-memory
	Collection  string
}

// Document is one indexed entry.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Hit is one similarity search result.
type Hit struct {
	Document   Document
	Similarity float32 // cosine, 0..1
}

// Index is a cosine-similarity search index over text documents. Backed by
// chromem-go, which persists automatically when a path is configured.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	logger     *logging.Logger
}

// NewIndex opens or creates an index. Embeddings for added documents and
// queries are produced by the given embedder.
func NewIndex(cfg IndexConfig, embedder Embedder) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "default"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}

	return &Index{
		db:         db,
		collection: collection,
		embedder:   embedder,
		logger:     logging.NewComponentLogger("vector"),
	}, nil
}

// Upsert adds documents, replacing any with the same ID.
func (ix *Index) Upsert(ctx context.Context, docs ...Document) error {
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document missing ID")
		}
		err := ix.collection.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Query returns up to topK documents similar to the query text, best first.
// Results below minSimilarity are dropped; where filters on exact metadata
// match when non-empty.
func (ix *Index) Query(ctx context.Context, query string, topK int, minSimilarity float32, where map[string]string) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := ix.collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, Hit{
			Document: Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	ix.logger.Debug("query topK=%d hits=%d", topK, len(hits))
	return hits, nil
}

// MostSimilar returns the single best match for the text, or false when the
// index is empty. Used for duplicate detection on writes.
func (ix *Index) MostSimilar(ctx context.Context, text string, where map[string]string) (Hit, bool, error) {
	hits, err := ix.Query(ctx, text, 1, 0, where)
	if err != nil || len(hits) == 0 {
		return Hit{}, false, err
	}
	return hits[0], true, nil
}

// Get fetches a document by ID. The second return is false when absent.
func (ix *Index) Get(ctx context.Context, id string) (Document, bool, error) {
	doc, err := ix.collection.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing ID as an error.
		return Document{}, false, nil
	}
	return Document{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata}, true, nil
}

// Delete removes documents by ID. Unknown IDs are ignored.
func (ix *Index) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ix.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// DeleteWhere removes all documents matching the metadata filter.
func (ix *Index) DeleteWhere(ctx context.Context, where map[string]string) error {
	if len(where) == 0 {
		return nil
	}
	if err := ix.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("delete by metadata: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() int { return ix.collection.Count() }
