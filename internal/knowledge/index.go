package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"
)

// Index wraps a chromem-go collection as the embedding similarity index.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies; it normalizes vectors on insert and scores queries by cosine
// similarity, so scores fall in [-1,1]. Vectors are always supplied
// explicitly by the graph; the index never generates embeddings itself.
//
// The index holds vectors in memory only. Durable state lives in the graph
// snapshot, and the index is rebuilt from it on restore.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
}

const indexCollection = "knowledge_nodes"

// NewIndex creates an in-memory index for vectors of the given dimension.
func NewIndex(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrDimensionMismatch)
	}

	db := chromem.NewDB()
	// chromem falls back to an OpenAI embedder when the embedding func is
	// nil; vectors here are always explicit, so the func must never run.
	collection, err := db.GetOrCreateCollection(indexCollection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating index collection: %w", err)
	}

	return &Index{
		db:         db,
		collection: collection,
		dimension:  dimension,
	}, nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("index requires explicit embeddings")
}

// Dimension returns the fixed vector dimension.
func (i *Index) Dimension() int {
	return i.dimension
}

// Add registers a vector under the given node id.
func (i *Index) Add(ctx context.Context, id string, vector []float32) error {
	if len(vector) != i.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), i.dimension)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   id, // chromem requires non-empty content; the id is a stand-in
		Embedding: vector,
	}
	if err := i.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("registering vector %s: %w", id, err)
	}
	return nil
}

// Remove drops a vector from the index. Removing an absent id is a no-op.
func (i *Index) Remove(ctx context.Context, id string) error {
	if err := i.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("removing vector %s: %w", id, err)
	}
	return nil
}

// Count returns the number of registered vectors.
func (i *Index) Count() int {
	return i.collection.Count()
}

// Query returns up to k node ids ranked by cosine similarity descending.
func (i *Index) Query(ctx context.Context, vector []float32, k int) ([]SimilarNode, error) {
	if len(vector) != i.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), i.dimension)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	// chromem requires nResults <= document count.
	count := i.collection.Count()
	if count == 0 {
		return []SimilarNode{}, nil
	}
	if k > count {
		k = count
	}

	results, err := i.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]SimilarNode, len(results))
	for idx, r := range results {
		hits[idx] = SimilarNode{ID: r.ID, Score: float64(r.Similarity)}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	return hits, nil
}
