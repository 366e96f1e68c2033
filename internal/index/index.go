package index

import (
	"context"
	"errors"
)

var (
	// ErrIndexNotFound indicates no persisted index artifact exists at the given path.
	ErrIndexNotFound = errors.New("index artifact not found")
	// ErrIndexCorrupt indicates the persisted artifact failed validation.
	ErrIndexCorrupt = errors.New("index artifact corrupt")
	// ErrEmptyIndex indicates a search was attempted against an index with no vectors.
	ErrEmptyIndex = errors.New("index is empty")
	// ErrDimensionMismatch indicates a vector's dimension does not match the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Hit is one raw nearest-neighbor result before SKU aggregation.
type Hit struct {
	Ordinal int     `json:"ordinal"`
	SKUID   string  `json:"sku_id"`
	Score   float32 `json:"score"`
}

// Searcher answers nearest-neighbor queries over normalized embeddings.
// Scores are inner products, equal to cosine similarity for unit vectors.
type Searcher interface {
	Search(ctx context.Context, query []float32, topN int) ([]Hit, error)
	Size() int
	Dimension() int
}
