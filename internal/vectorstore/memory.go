package vectorstore

import (
	"context"
	"sync"

	"learnly/internal/models"
)

// MemoryStore keeps records in process memory. It is not durable.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if idx, ok := s.byID[rec.ID]; ok {
			s.records[idx] = rec
			continue
		}
		s.byID[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return topK(s.records, vector, k), nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) CountDocument(ctx context.Context, documentID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.DocumentID != documentID {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	s.byID = make(map[string]int, len(kept))
	for i, rec := range kept {
		s.byID[rec.ID] = i
	}
	return nil
}
