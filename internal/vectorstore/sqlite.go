package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"learnly/internal/models"
)

// SQLiteStore persists chunks and embeddings in the chunks table and searches
// them by brute force. Embeddings are cached in memory after the first search.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	cache  []Record
	loaded bool
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, filename, source, position, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			filename = excluded.filename,
			source = excluded.source,
			position = excluded.position,
			text = excluded.text,
			embedding = excluded.embedding;
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx,
			rec.ID,
			rec.DocumentID,
			rec.Filename,
			string(rec.Source),
			rec.Position,
			rec.Text,
			encodeVector(rec.Vector),
		); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", rec.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	s.invalidate()
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	records, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return topK(records, vector, k), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountDocument(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = ?;`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks for document %d: %w", documentID, err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?;`, documentID); err != nil {
		return fmt.Errorf("delete chunks for document %d: %w", documentID, err)
	}
	s.invalidate()
	return nil
}

func (s *SQLiteStore) invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.cache = nil
	s.mu.Unlock()
}

func (s *SQLiteStore) snapshot(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	if s.loaded {
		records := s.cache
		s.mu.RUnlock()
		return records, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.cache, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, filename, source, position, text, embedding
		FROM chunks
		ORDER BY seq ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec    Record
			source string
			blob   []byte
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Filename, &source, &rec.Position, &rec.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		rec.Source = models.Source(source)
		rec.Vector = decodeVector(blob)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	s.cache = records
	s.loaded = true
	return records, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
