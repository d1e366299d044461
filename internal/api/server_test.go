package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learnly/internal/db"
	"learnly/internal/embedding"
	"learnly/internal/llm"
	"learnly/internal/llm/llmtest"
	"learnly/internal/services"
	"learnly/internal/vectorstore"
)

const notes = `Photosynthesis is the process plants use to turn light into chemical energy. Photosynthesis happens in chloroplasts.

The French Revolution began in 1789 and reshaped European politics.`

type fixture struct {
	srv  *httptest.Server
	fake *llmtest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(filepath.Join(dir, "learnly.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := vectorstore.NewSQLiteStore(conn)
	docs := services.NewDocumentService(conn, filepath.Join(dir, "uploads"), store)
	text := services.NewPDFService(nil, nil)
	index := services.NewChunkIndex(docs, text, nil, embedding.NewHashEmbedder(384), store, nil)

	fake := llmtest.New().
		On(llm.CapabilityExtract, llmtest.Reply{Text: `{"questions": ["What is photosynthesis?", "When did the French Revolution begin?"]}`}).
		On(llm.CapabilityGenerate, llmtest.Reply{Text: "A grounded answer."}).
		On(llm.CapabilityCritique, llmtest.Reply{Text: `{"relevancy_score": 0.9, "feedback": "good"}`})
	reviewer := services.NewReviewer(
		index,
		services.NewQuestionExtractor(fake, 15000, nil),
		services.NewAnswerGenerator(fake),
		services.NewCritic(fake),
		services.DefaultReviewerConfig(),
		nil,
	)

	s := NewServer(Services{
		Documents:  docs,
		Index:      index,
		Ingestion:  services.NewIngestionService(index, nil),
		Reviewer:   reviewer,
		Text:       text,
		Flashcards: services.NewFlashcardService(conn),
	}, Options{MaxUploadBytes: 1 << 20, IndexConcurrency: 2}, nil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, fake: fake}
}

func multipartBody(t *testing.T, field string, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body *bytes.Buffer, out any) int {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) postJSON(t *testing.T, path string, payload any, out any) int {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, "application/json", bytes.NewBuffer(raw), out)
}

func (f *fixture) upload(t *testing.T, files map[string]string) []services.IngestResult {
	t.Helper()
	body, ct := multipartBody(t, "files", files, nil)
	var out struct {
		Results []services.IngestResult `json:"results"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/materials", ct, body, &out))
	return out.Results
}

type envelope struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	TotalQuestions int    `json:"total_questions"`
	CardsSaved     *int   `json:"cards_saved"`
	Results        []struct {
		QuestionNumber int     `json:"question_number"`
		Question       string  `json:"question"`
		Answer         string  `json:"answer"`
		RelevancyScore float64 `json:"relevancy_score"`
		ChunksUsed     int     `json:"chunks_used"`
		Attempts       int     `json:"attempts"`
		Status         string  `json:"status"`
	} `json:"results"`
}

func TestHealthReportsChunkCount(t *testing.T) {
	f := newFixture(t)
	var out map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "", nil, &out))
	require.Equal(t, "ok", out["status"])
	require.EqualValues(t, 0, out["chunks"])

	f.upload(t, map[string]string{"notes.txt": notes})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "", nil, &out))
	require.EqualValues(t, 2, out["chunks"])
}

func TestIndexMaterialsReportsDuplicates(t *testing.T) {
	f := newFixture(t)

	results := f.upload(t, map[string]string{"notes.txt": notes})
	require.Len(t, results, 1)
	require.Equal(t, services.IngestIndexed, results[0].Status)
	require.Equal(t, 2, results[0].Chunks)

	results = f.upload(t, map[string]string{"copy.md": notes})
	require.Equal(t, services.IngestDuplicate, results[0].Status)

	var list struct {
		Documents []map[string]any `json:"documents"`
		Total     int              `json:"total"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/materials", "", nil, &list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, "notes.txt", list.Documents[0]["filename"])

	var bad map[string]string
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/materials?source=slides", "", nil, &bad))
}

func TestIndexMaterialsRequiresFiles(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "other", map[string]string{"a.txt": "x"}, nil)
	var out map[string]string
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/materials", ct, body, &out))
	require.Equal(t, "no files uploaded", out["error"])
}

func TestDeleteMaterial(t *testing.T) {
	f := newFixture(t)
	results := f.upload(t, map[string]string{"notes.txt": notes})
	id := results[0].DocumentID

	var out map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, fmt.Sprintf("/api/materials/%d", id), "", nil, &out))
	require.Equal(t, "deleted", out["status"])
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, fmt.Sprintf("/api/materials/%d", id), "", nil, &out))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/materials/abc", "", nil, &out))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "", nil, &out))
	require.EqualValues(t, 0, out["chunks"])
}

func TestIndexJobCompletes(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "files", map[string]string{"notes.txt": notes}, nil)

	var job IndexJob
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/materials/jobs", ct, body, &job))
	require.NotEmpty(t, job.ID)
	require.Len(t, job.Files, 1)

	require.Eventually(t, func() bool {
		var snap IndexJob
		if f.do(t, http.MethodGet, "/api/materials/jobs/"+job.ID, "", nil, &snap) != http.StatusOK {
			return false
		}
		job = snap
		return snap.Status == JobStatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, FileStatusComplete, job.Files[0].Status)
	require.Equal(t, 100, job.Files[0].Percent)
	require.Len(t, job.Results, 1)
	require.Equal(t, services.IngestIndexed, job.Results[0].Status)

	var missing map[string]string
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/materials/jobs/nope", "", nil, &missing))
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.upload(t, map[string]string{"notes.txt": notes})

	var out struct {
		Results []struct {
			Text     string  `json:"text"`
			Filename string  `json:"filename"`
			Score    float64 `json:"score"`
		} `json:"results"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/search?q=What+is+photosynthesis%3F&k=1", "", nil, &out))
	require.Len(t, out.Results, 1)
	require.True(t, strings.HasPrefix(out.Results[0].Text, "Photosynthesis"))

	var bad map[string]string
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/search?q=x&k=-1", "", nil, &bad))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/search", "", nil, &bad))
}

func TestReviewQuestion(t *testing.T) {
	f := newFixture(t)

	var env envelope
	require.Equal(t, http.StatusOK, f.postJSON(t, "/api/review/question", map[string]any{"question": "What is photosynthesis?"}, &env))
	require.Equal(t, "error", env.Status)
	require.Equal(t, services.ErrIndexEmpty.Error(), env.Message)
	require.NotNil(t, env.Results)
	require.Empty(t, env.Results)

	f.upload(t, map[string]string{"notes.txt": notes})

	env = envelope{}
	require.Equal(t, http.StatusOK, f.postJSON(t, "/api/review/question", map[string]any{
		"question":   "What is photosynthesis?",
		"save_cards": true,
	}, &env))
	require.Equal(t, "success", env.Status)
	require.Equal(t, 1, env.TotalQuestions)
	require.Equal(t, 1, env.Results[0].QuestionNumber)
	require.Equal(t, 1, env.Results[0].ChunksUsed)
	require.Equal(t, "A grounded answer.", env.Results[0].Answer)
	require.NotNil(t, env.CardsSaved)
	require.Equal(t, 1, *env.CardsSaved)

	var cards struct {
		Total int `json:"total"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards", "", nil, &cards))
	require.Equal(t, 1, cards.Total)
}

func TestReviewQuestionRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	var out map[string]string
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/review/question", "application/json", bytes.NewBufferString("{"), &out))
	require.Equal(t, http.StatusBadRequest, f.postJSON(t, "/api/review/question", map[string]any{"question": strings.Repeat("q", 8001)}, &out))
	require.Contains(t, out["error"], "question failed max")
}

func TestReviewExam(t *testing.T) {
	f := newFixture(t)
	f.upload(t, map[string]string{"notes.txt": notes})

	body, ct := multipartBody(t, "file", map[string]string{"exam.txt": "1. What is photosynthesis?\n2. When did the French Revolution begin?"}, nil)
	var env envelope
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/review/exam", ct, body, &env))
	require.Equal(t, "success", env.Status)
	require.Equal(t, 2, env.TotalQuestions)
	require.Equal(t, 2, env.Results[1].QuestionNumber)
	require.Nil(t, env.CardsSaved)
	require.Len(t, f.fake.Calls(llm.CapabilityExtract), 1)

	body, ct = multipartBody(t, "file", map[string]string{"exam.txt": "   "}, nil)
	env = envelope{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/review/exam", ct, body, &env))
	require.Equal(t, "error", env.Status)
	require.True(t, strings.HasPrefix(env.Message, "Failed to process exam file:"))
	require.Empty(t, env.Results)

	var out map[string]string
	body, ct = multipartBody(t, "file", map[string]string{"exam.docx": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/review/exam", ct, body, &out))
	body, ct = multipartBody(t, "file", map[string]string{"exam.txt": "Q?"}, map[string]string{"save_cards": "maybe"})
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/review/exam", ct, body, &out))
}

func TestCardReviewFlow(t *testing.T) {
	f := newFixture(t)
	f.upload(t, map[string]string{"notes.txt": notes})

	var env envelope
	require.Equal(t, http.StatusOK, f.postJSON(t, "/api/review/question", map[string]any{
		"question":   "What is photosynthesis?",
		"save_cards": true,
	}, &env))

	var next struct {
		Card map[string]any `json:"card"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards/next", "", nil, &next))
	require.Equal(t, "What is photosynthesis?", next.Card["front"])
	id := int64(next.Card["id"].(float64))

	var out map[string]any
	require.Equal(t, http.StatusBadRequest, f.postJSON(t, fmt.Sprintf("/api/cards/%d/review", id), map[string]string{"rating": "meh"}, &out))
	require.Equal(t, http.StatusNotFound, f.postJSON(t, "/api/cards/999/review", map[string]string{"rating": "good"}, &out))
	require.Equal(t, http.StatusOK, f.postJSON(t, fmt.Sprintf("/api/cards/%d/review", id), map[string]string{"rating": "again"}, &out))

	var stats struct {
		Stats services.DeckStats `json:"stats"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards/stats", "", nil, &stats))
	require.Equal(t, 1, stats.Stats.Total)
	require.Equal(t, 1, stats.Stats.Queued)

	require.Equal(t, http.StatusOK, f.postJSON(t, fmt.Sprintf("/api/cards/%d/review", id), map[string]string{"rating": "easy"}, &out))
	var empty struct {
		Card    map[string]any `json:"card"`
		Message string         `json:"message"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards/next", "", nil, &empty))
	require.Nil(t, empty.Card)
	require.NotEmpty(t, empty.Message)
}

func TestJobManagerPrunesFinishedJobs(t *testing.T) {
	m := NewJobManager()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	old := m.CreateJob([]string{"a.txt", "b.txt"})
	m.FinishFile(old.ID, 0, services.IngestResult{Name: "a.txt", Status: services.IngestError})
	m.FinishFile(old.ID, 1, services.IngestResult{Name: "b.txt", Status: services.IngestError})
	m.MarkCompleted(old.ID)

	snap, ok := m.GetJob(old.ID)
	require.True(t, ok)
	require.Equal(t, JobStatusFailed, snap.Status)
	require.Len(t, snap.Results, 2)

	clock = clock.Add(2 * time.Hour)
	m.CreateJob([]string{"c.txt"})
	_, ok = m.GetJob(old.ID)
	require.False(t, ok)
}
