package vectorstore

import (
	"context"
	"math"
	"sort"

	"learnly/internal/models"
)

// Record is a chunk together with its embedding.
type Record struct {
	models.Chunk
	Vector []float32
}

// Store is a similarity-searchable collection of chunk embeddings.
//
// Search returns at most k chunks ordered by descending cosine similarity.
// Chunks with equal scores keep the order in which they were first inserted.
// Upserting an existing id replaces its content without changing its position.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
	// CountDocument returns how many chunks of one document are stored.
	CountDocument(ctx context.Context, documentID int64) (int, error)
	DeleteDocument(ctx context.Context, documentID int64) error
}

// Cosine returns the cosine similarity of a and b, or 0 if either is a zero vector.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK ranks records, given in insertion order, against vector.
func topK(records []Record, vector []float32, k int) []models.ScoredChunk {
	if k <= 0 || len(records) == 0 {
		return []models.ScoredChunk{}
	}
	scored := make([]models.ScoredChunk, len(records))
	for i, rec := range records {
		scored[i] = models.ScoredChunk{Chunk: rec.Chunk, Score: Cosine(rec.Vector, vector)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}
