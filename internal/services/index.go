package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"learnly/internal/chunker"
	"learnly/internal/embedding"
	"learnly/internal/logger"
	"learnly/internal/models"
	"learnly/internal/vectorstore"
)

// chunkNamespace scopes the name-based UUIDs given to chunks.
var chunkNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-8a9b-0c1d2e3f4a5b")

// TextExtractor returns the text and page count of an uploaded file.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, filename string) (string, int, error)
}

// IndexOutcome describes one Index call.
type IndexOutcome struct {
	Document    *models.StudyDocument
	ChunksAdded int
}

// ChunkIndex splits study materials into overlapping chunks, embeds them and
// keeps them searchable. Identical bytes are only ever indexed once.
type ChunkIndex struct {
	documents *DocumentService
	extractor TextExtractor
	chunker   *chunker.Chunker
	embedder  embedding.Embedder
	store     vectorstore.Store
	log       *logger.Logger

	locks keyedMutex
}

func NewChunkIndex(
	documents *DocumentService,
	extractor TextExtractor,
	ch *chunker.Chunker,
	embedder embedding.Embedder,
	store vectorstore.Store,
	log *logger.Logger,
) *ChunkIndex {
	if ch == nil {
		ch = chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ChunkIndex{
		documents: documents,
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		store:     store,
		log:       log,
	}
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Index adds a study material to the index.
func (x *ChunkIndex) Index(ctx context.Context, data []byte, filename string) (IndexOutcome, error) {
	return x.IndexSource(ctx, data, filename, models.SourceStudyMaterials)
}

// IndexSource indexes data under the given source. If the same bytes were
// indexed before it returns a *DuplicateDocumentError and adds nothing. A
// document whose previous indexing attempt failed part way, or whose chunks are
// no longer in the store, is resumed, since chunk ids are derived from the
// content hash and re-inserting them is a no-op.
func (x *ChunkIndex) IndexSource(ctx context.Context, data []byte, filename string, source models.Source) (IndexOutcome, error) {
	hash := ContentHash(data)
	unlock := x.locks.Lock(hash)
	defer unlock()

	doc, err := x.documents.GetByHash(ctx, hash)
	if err == nil && doc.Indexed() {
		stored, err := x.store.CountDocument(ctx, doc.ID)
		if err != nil {
			return IndexOutcome{}, fmt.Errorf("count stored chunks for %s: %w", filename, err)
		}
		if stored < doc.ChunkCount {
			x.log.Warn("indexed document is missing chunks, reindexing",
				"filename", filename,
				"document_id", doc.ID,
				"stored", stored,
				"expected", doc.ChunkCount,
			)
			doc.IndexedAt.Valid = false
		}
	}
	switch {
	case err == nil && doc.Indexed():
		x.log.Info("duplicate document skipped",
			"filename", filename,
			"hash", hash,
			"document_id", doc.ID,
		)
		return IndexOutcome{Document: doc}, &DuplicateDocumentError{Filename: filename, Hash: hash, DocumentID: doc.ID}
	case err == nil:
		x.log.Info("resuming interrupted indexing", "filename", filename, "document_id", doc.ID)
	case errors.Is(err, ErrDocumentNotFound):
		doc = nil
	default:
		return IndexOutcome{}, err
	}

	text, pages, err := x.extractor.ExtractText(ctx, data, filename)
	if err != nil {
		return IndexOutcome{}, fmt.Errorf("extract %s: %w", filename, err)
	}
	pieces := x.chunker.Split(text)
	if len(pieces) == 0 {
		return IndexOutcome{}, fmt.Errorf("chunk %s: %w", filename, ErrNoExtractableText)
	}

	vectors, err := x.embedder.Embed(ctx, pieces)
	if err != nil {
		return IndexOutcome{}, fmt.Errorf("embed %s: %w", filename, err)
	}
	if len(vectors) != len(pieces) {
		return IndexOutcome{}, fmt.Errorf("embed %s: got %d vectors for %d chunks", filename, len(vectors), len(pieces))
	}

	if doc == nil {
		doc, err = x.documents.Create(ctx, hash, filename, source, data)
		if err != nil {
			return IndexOutcome{}, err
		}
	}

	records := make([]vectorstore.Record, len(pieces))
	for i, piece := range pieces {
		records[i] = vectorstore.Record{
			Chunk: models.Chunk{
				ID:         ChunkID(hash, i),
				DocumentID: doc.ID,
				Filename:   doc.OriginalName,
				Source:     doc.Source,
				Position:   i,
				Text:       piece,
			},
			Vector: vectors[i],
		}
	}
	if err := x.store.Upsert(ctx, records); err != nil {
		return IndexOutcome{}, fmt.Errorf("store chunks for %s: %w", filename, err)
	}
	if err := x.documents.MarkIndexed(ctx, doc.ID, pages, len(records)); err != nil {
		return IndexOutcome{}, err
	}
	doc.PageCount = pages
	doc.ChunkCount = len(records)

	x.log.Info("document indexed",
		"filename", filename,
		"hash", hash,
		"document_id", doc.ID,
		"chunks", len(records),
		"pages", pages,
	)
	return IndexOutcome{Document: doc, ChunksAdded: len(records)}, nil
}

// ChunkID derives a stable id for the chunk at position in the document with hash.
func ChunkID(hash string, position int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", hash, position))).String()
}

// Search returns at most k chunks ranked by similarity to query.
func (x *ChunkIndex) Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return []models.ScoredChunk{}, nil
	}
	vectors, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	hits, err := x.store.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return hits, nil
}

// Count returns the number of indexed chunks.
func (x *ChunkIndex) Count(ctx context.Context) (int, error) {
	return x.store.Count(ctx)
}

// keyedMutex serialises work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
