package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"learnly/internal/models"
)

// QdrantConfig contains connection details for a Qdrant collection.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// searchSlack is how many extra hits Search asks for so that ties at the k-th
// score can be ordered by seq before truncating.
const searchSlack = 8

// QdrantStore talks to Qdrant over its REST API. The collection is created with
// cosine distance on first use. Each point carries a seq payload so that equal
// scores can be ordered by insertion. A point keeps its seq when it is upserted
// again.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
	now        func() time.Time

	initMu sync.Mutex
	ready  bool

	// upsertMu serialises upserts so seqs are allocated in commit order.
	upsertMu sync.Mutex
	lastSeq  int64
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, opErr("config", OperationErrorValidation, "qdrant url is required", nil)
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, opErr("config", OperationErrorValidation, "qdrant collection is required", nil)
	}
	if cfg.Dimension <= 0 {
		return nil, opErr("config", OperationErrorValidation, "vector dimension must be positive", nil)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type qdrantPayload struct {
	DocumentID int64  `json:"document_id"`
	Filename   string `json:"filename"`
	Source     string `json:"source"`
	Position   int    `json:"position"`
	Text       string `json:"text"`
	Seq        int64  `json:"seq"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready {
		return nil
	}
	status, err := s.do(ctx, "ensure_collection", http.MethodGet, s.collectionPath(""), nil, nil)
	if err != nil {
		if status != http.StatusNotFound {
			return err
		}
		body := map[string]any{
			"vectors": map[string]any{
				"size":     s.dimension,
				"distance": "Cosine",
			},
		}
		if _, err := s.do(ctx, "create_collection", http.MethodPut, s.collectionPath(""), body, nil); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if len(rec.Vector) != s.dimension {
			return opErr("upsert", OperationErrorValidation,
				fmt.Sprintf("chunk %s has dimension %d, want %d", rec.ID, len(rec.Vector), s.dimension), nil)
		}
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	s.upsertMu.Lock()
	defer s.upsertMu.Unlock()

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	seqs, err := s.existingSeqs(ctx, ids)
	if err != nil {
		return err
	}

	points := make([]qdrantPoint, len(records))
	for i, rec := range records {
		seq, ok := seqs[rec.ID]
		if !ok {
			seq = s.nextSeq()
			seqs[rec.ID] = seq
		}
		points[i] = qdrantPoint{
			ID:     rec.ID,
			Vector: rec.Vector,
			Payload: qdrantPayload{
				DocumentID: rec.DocumentID,
				Filename:   rec.Filename,
				Source:     string(rec.Source),
				Position:   rec.Position,
				Text:       rec.Text,
				Seq:        seq,
			},
		}
	}
	_, err = s.do(ctx, "upsert", http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil)
	return err
}

// nextSeq returns a seq greater than any handed out before. Wall-clock time
// keeps it increasing across restarts. Callers hold upsertMu.
func (s *QdrantStore) nextSeq() int64 {
	seq := s.now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// existingSeqs returns the stored seq of every id that is already a point.
func (s *QdrantStore) existingSeqs(ctx context.Context, ids []string) (map[string]int64, error) {
	req := map[string]any{
		"ids":          ids,
		"with_payload": []string{"seq"},
		"with_vector":  false,
	}
	var resp struct {
		Result []struct {
			ID      string `json:"id"`
			Payload struct {
				Seq int64 `json:"seq"`
			} `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, "retrieve", http.MethodPost, s.collectionPath("/points"), req, &resp); err != nil {
		return nil, err
	}
	seqs := make(map[string]int64, len(ids))
	for _, p := range resp.Result {
		seqs[p.ID] = p.Payload.Seq
	}
	return seqs, nil
}

type qdrantHit struct {
	ID      string        `json:"id"`
	Score   float64       `json:"score"`
	Payload qdrantPayload `json:"payload"`
}

// Search over-fetches until every point tying the k-th score is in hand, then
// orders by score and seq and truncates to k.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return []models.ScoredChunk{}, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	limit := k + searchSlack
	var hits []qdrantHit
	for {
		var err error
		hits, err = s.search(ctx, vector, limit)
		if err != nil {
			return nil, err
		}
		// Qdrant returns hits by descending score, so once the last hit scores
		// below the k-th no tie can be missing.
		if len(hits) < limit || hits[k-1].Score > hits[len(hits)-1].Score {
			break
		}
		limit *= 2
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Payload.Seq < hits[j].Payload.Seq
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]models.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		out = append(out, models.ScoredChunk{
			Chunk: models.Chunk{
				ID:         hit.ID,
				DocumentID: hit.Payload.DocumentID,
				Filename:   hit.Payload.Filename,
				Source:     models.Source(hit.Payload.Source),
				Position:   hit.Payload.Position,
				Text:       hit.Payload.Text,
			},
			Score: hit.Score,
		})
	}
	return out, nil
}

func (s *QdrantStore) search(ctx context.Context, vector []float32, limit int) ([]qdrantHit, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var resp struct {
		Result []qdrantHit `json:"result"`
	}
	if _, err := s.do(ctx, "search", http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	return s.count(ctx, map[string]any{"exact": true})
}

func (s *QdrantStore) CountDocument(ctx context.Context, documentID int64) (int, error) {
	return s.count(ctx, map[string]any{"exact": true, "filter": documentFilter(documentID)})
}

func (s *QdrantStore) count(ctx context.Context, body map[string]any) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, "count", http.MethodPost, s.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func documentFilter(documentID int64) map[string]any {
	return map[string]any{
		"must": []any{
			map[string]any{"key": "document_id", "match": map[string]any{"value": documentID}},
		},
	}
}

func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID int64) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	body := map[string]any{"filter": documentFilter(documentID)}
	_, err := s.do(ctx, "delete", http.MethodPost, s.collectionPath("/points/delete?wait=true"), body, nil)
	return err
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return s.baseURL + "/collections/" + url.PathEscape(s.collection) + suffix
}

// do sends a JSON request and decodes the JSON response into out. It returns the
// HTTP status code (0 if the request never completed).
func (s *QdrantStore) do(ctx context.Context, op, method, endpoint string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, opErr(op, OperationErrorEncodeFailed, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, opErr(op, OperationErrorTransportFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		code := OperationErrorTransportFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = OperationErrorTimeout
		}
		return 0, opErr(op, code, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, opErr(op, OperationErrorTransportFailed, "read response", err)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, opErr(op, OperationErrorDecodeFailed, "decode response", err)
		}
	}
	return resp.StatusCode, nil
}
