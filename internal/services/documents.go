package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"learnly/internal/models"
	"learnly/internal/vectorstore"
)

// DocumentService keeps uploaded files on disk and their content hashes in the
// documents table.
type DocumentService struct {
	db        *sql.DB
	uploadDir string
	store     vectorstore.Store
}

func NewDocumentService(db *sql.DB, uploadDir string, store vectorstore.Store) *DocumentService {
	return &DocumentService{db: db, uploadDir: uploadDir, store: store}
}

const documentColumns = `id, content_hash, original_name, stored_path, source, page_count, chunk_count, uploaded_at, indexed_at`

// Create writes data under the upload directory and records it as pending.
func (s *DocumentService) Create(ctx context.Context, hash, original string, source models.Source, data []byte) (*models.StudyDocument, error) {
	if source != models.SourceStudyMaterials && source != models.SourceExamFiles {
		return nil, fmt.Errorf("unsupported source %s", source)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	storedPath := filepath.Join(s.uploadDir, name)
	if err := os.WriteFile(storedPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (content_hash, original_name, stored_path, source, page_count, chunk_count, uploaded_at)
		VALUES (?, ?, ?, ?, 0, 0, ?);
	`, hash, original, storedPath, string(source), now)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("insert document: %w", err)
	}
	id, _ := res.LastInsertId()

	return &models.StudyDocument{
		ID:           id,
		ContentHash:  hash,
		OriginalName: original,
		StoredPath:   storedPath,
		Source:       source,
		UploadedAt:   now,
	}, nil
}

// MarkIndexed records that every chunk of the document is in the similarity store.
func (s *DocumentService) MarkIndexed(ctx context.Context, id int64, pages, chunks int) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents SET page_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?;
	`, pages, chunks, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark document %d indexed: %w", id, err)
	}
	return nil
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*models.StudyDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?;`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) GetByHash(ctx context.Context, hash string) (*models.StudyDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE content_hash = ?;`, hash)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// List returns documents newest first. An empty source lists every document.
func (s *DocumentService) List(ctx context.Context, source models.Source) ([]models.StudyDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY uploaded_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.StudyDocument{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Delete removes a document, its chunks and its stored file.
func (s *DocumentService) Delete(ctx context.Context, id int64) error {
	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeleteDocument(ctx, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if doc.StoredPath != "" {
		if err := os.Remove(doc.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stored file: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.StudyDocument, error) {
	var (
		doc    models.StudyDocument
		source string
	)
	if err := row.Scan(
		&doc.ID,
		&doc.ContentHash,
		&doc.OriginalName,
		&doc.StoredPath,
		&source,
		&doc.PageCount,
		&doc.ChunkCount,
		&doc.UploadedAt,
		&doc.IndexedAt,
	); err != nil {
		return nil, err
	}
	doc.Source = models.Source(source)
	return &doc, nil
}
