package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"learnly/internal/logger"
	"learnly/internal/models"
)

// ProgressCallback is called during document processing to report progress
type ProgressCallback func(step, message string, current, total int)

const (
	IngestIndexed   = "indexed"
	IngestDuplicate = "duplicate"
	IngestError     = "error"
)

// Upload is one file handed to the ingestion service.
type Upload struct {
	Name string
	Data []byte
}

// IngestResult is the outcome for one uploaded file.
type IngestResult struct {
	Name       string `json:"name"`
	DocumentID int64  `json:"documentId,omitempty"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
	Message    string `json:"message,omitempty"`
}

// IngestionService validates uploads and feeds them to the chunk index.
type IngestionService struct {
	index *ChunkIndex
	log   *logger.Logger
}

func NewIngestionService(index *ChunkIndex, log *logger.Logger) *IngestionService {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestionService{index: index, log: log}
}

// Ingest indexes a single study material. Duplicates are reported, not failed.
func (s *IngestionService) Ingest(ctx context.Context, up Upload, progress ProgressCallback) IngestResult {
	report := func(step, msg string, cur int) {
		if progress != nil {
			progress(step, msg, cur, 100)
		}
	}
	result := IngestResult{Name: up.Name}

	report("validate", "Checking file", 0)
	if !SupportedFile(up.Name) {
		result.Status = IngestError
		result.Message = fmt.Sprintf("unsupported file type %q", filepath.Ext(up.Name))
		return result
	}
	if len(up.Data) == 0 {
		result.Status = IngestError
		result.Message = "file is empty"
		return result
	}

	report("index", "Extracting, chunking and embedding", 10)
	outcome, err := s.index.IndexSource(ctx, up.Data, up.Name, models.SourceStudyMaterials)
	if outcome.Document != nil {
		result.DocumentID = outcome.Document.ID
	}
	switch {
	case errors.Is(err, ErrDuplicateDocument):
		result.Status = IngestDuplicate
		result.Message = "already indexed"
	case err != nil:
		s.log.Error("indexing failed", "filename", up.Name, "error", err)
		result.Status = IngestError
		result.Message = err.Error()
	default:
		result.Status = IngestIndexed
		result.Chunks = outcome.ChunksAdded
	}
	report("complete", "Processing complete", 100)
	return result
}

// IngestAll indexes uploads with at most concurrency files in flight. Results
// are returned in upload order; onDone, if set, is called as each file finishes.
func (s *IngestionService) IngestAll(ctx context.Context, uploads []Upload, concurrency int, onDone func(i int, r IngestResult)) ([]IngestResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]IngestResult, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, up := range uploads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.Ingest(gctx, up, nil)
			if onDone != nil {
				onDone(i, results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
