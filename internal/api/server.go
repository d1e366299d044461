package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"learnly/internal/logger"
	"learnly/internal/models"
	"learnly/internal/services"
)

const maxMultipartMemory = 8 << 20 // 8 MB

const defaultSearchK = 5

// Services are the collaborators the HTTP layer drives.
type Services struct {
	Documents  *services.DocumentService
	Index      *services.ChunkIndex
	Ingestion  *services.IngestionService
	Reviewer   *services.Reviewer
	Text       services.TextExtractor
	Flashcards *services.FlashcardService
}

// Options tune request handling.
type Options struct {
	// MaxUploadBytes caps a multipart request body.
	MaxUploadBytes int64
	// IndexConcurrency bounds how many files of one request are indexed at once.
	IndexConcurrency int
}

type Server struct {
	mux      *http.ServeMux
	svc      Services
	opts     Options
	log      *logger.Logger
	validate *validator.Validate
	jobs     *JobManager
}

func NewServer(svc Services, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.IndexConcurrency <= 0 {
		opts.IndexConcurrency = 1
	}
	s := &Server{
		mux:      http.NewServeMux(),
		svc:      svc,
		opts:     opts,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		jobs:     NewJobManager(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/materials", s.handleListMaterials)
	s.mux.HandleFunc("POST /api/materials", s.handleIndexMaterials)
	s.mux.HandleFunc("DELETE /api/materials/{id}", s.handleDeleteMaterial)
	s.mux.HandleFunc("POST /api/materials/jobs", s.handleCreateIndexJob)
	s.mux.HandleFunc("GET /api/materials/jobs/{id}", s.handleJobStatus)

	s.mux.HandleFunc("GET /api/search", s.handleSearch)

	s.mux.HandleFunc("POST /api/review/question", s.handleReviewQuestion)
	s.mux.HandleFunc("POST /api/review/exam", s.handleReviewExam)

	s.mux.HandleFunc("GET /api/cards", s.handleListCards)
	s.mux.HandleFunc("GET /api/cards/next", s.handleGetNextCard)
	s.mux.HandleFunc("GET /api/cards/stats", s.handleGetCardsStats)
	s.mux.HandleFunc("POST /api/cards/{id}/review", s.handleReviewCard)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Index.Count(r.Context())
	if err != nil {
		s.internalError(w, "count chunks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chunks": n})
}

// Study materials

func (s *Server) handleListMaterials(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.URL.Query().Get("source"))
	if source != "" && source != models.SourceStudyMaterials && source != models.SourceExamFiles {
		writeError(w, http.StatusBadRequest, "source must be 'study_materials' or 'exam_files'")
		return
	}
	docs, err := s.svc.Documents.List(r.Context(), source)
	if err != nil {
		s.internalError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
}

func (s *Server) handleIndexMaterials(w http.ResponseWriter, r *http.Request) {
	uploads, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	results, err := s.svc.Ingestion.IngestAll(r.Context(), uploads, s.opts.IndexConcurrency, nil)
	if err != nil {
		s.internalError(w, "index uploads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDeleteMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := s.svc.Documents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.internalError(w, "delete document", err)
		return
	}
	s.log.Info("document deleted", "document_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "documentId": id})
}

func (s *Server) handleCreateIndexJob(w http.ResponseWriter, r *http.Request) {
	uploads, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	names := make([]string, len(uploads))
	for i, up := range uploads {
		names[i] = up.Name
	}
	snapshot := s.jobs.CreateJob(names)

	go s.runIndexJob(context.Background(), snapshot.ID, uploads)

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.GetJob(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) runIndexJob(ctx context.Context, jobID string, uploads []services.Upload) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("index job panicked", "job_id", jobID, "panic", p)
			s.jobs.MarkFailed(jobID, fmt.Sprint(p))
		}
	}()

	s.jobs.MarkProcessing(jobID)
	for idx, up := range uploads {
		progress := func(step, message string, current, total int) {
			s.jobs.UpdateFileProgress(jobID, idx, step, message, current, total)
		}
		s.jobs.FinishFile(jobID, idx, s.svc.Ingestion.Ingest(ctx, up, progress))
	}
	s.jobs.MarkCompleted(jobID)
}

// readUploads reads every "files" part into memory. It writes the error
// response itself and reports false when the request is unusable.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([]services.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return nil, false
	}
	uploads := make([]services.Upload, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return nil, false
		}
		uploads = append(uploads, services.Upload{Name: fh.Filename, Data: data})
	}
	return uploads, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid multipart form")
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := defaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "k must be an integer in [0, 100]")
			return
		}
		k = v
	}
	hits, err := s.svc.Index.Search(r.Context(), q, k)
	if err != nil {
		s.internalError(w, "search chunks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "k": k, "results": hits})
}

// Review

type questionRequest struct {
	Question  string `json:"question" validate:"max=8000"`
	SaveCards bool   `json:"save_cards"`
}

type reviewEnvelope struct {
	models.ReviewResponse
	CardsSaved *int `json:"cards_saved,omitempty"`
}

func (s *Server) handleReviewQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.svc.Reviewer.ReviewQuestion(r.Context(), req.Question)
	if err != nil {
		s.internalError(w, "review question", err)
		return
	}
	s.writeReview(w, r, resp, req.SaveCards)
}

func (s *Server) handleReviewExam(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeUploadError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	saveCards := false
	if raw := r.FormValue("save_cards"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "save_cards must be a boolean")
			return
		}
		saveCards = v
	}

	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one exam file is required")
		return
	}
	fh := files[0]
	if !services.SupportedFile(fh.Filename) {
		writeError(w, http.StatusBadRequest, "exam file must be .pdf, .txt or .md")
		return
	}
	data, err := readPart(fh)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
		return
	}

	text, _, err := s.svc.Text.ExtractText(r.Context(), data, fh.Filename)
	if err != nil {
		s.log.Error("exam text extraction failed", "filename", fh.Filename, "error", err)
		writeJSON(w, http.StatusOK, reviewEnvelope{ReviewResponse: models.ReviewResponse{
			Status:  models.StatusError,
			Message: fmt.Sprintf("Failed to process exam file: %v", err),
			Results: []models.ReviewResult{},
		}})
		return
	}

	resp, err := s.svc.Reviewer.ReviewExam(r.Context(), text)
	if err != nil {
		s.internalError(w, "review exam", err)
		return
	}
	s.writeReview(w, r, resp, saveCards)
}

func (s *Server) writeReview(w http.ResponseWriter, r *http.Request, resp models.ReviewResponse, saveCards bool) {
	out := reviewEnvelope{ReviewResponse: resp}
	if saveCards && resp.Status == models.StatusSuccess {
		n, err := s.svc.Flashcards.SaveReviewResults(r.Context(), resp.Results)
		if err != nil {
			s.internalError(w, "save review cards", err)
			return
		}
		out.CardsSaved = &n
	}
	writeJSON(w, http.StatusOK, out)
}

// Rehearsal deck

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.svc.Flashcards.ListCards(r.Context())
	if err != nil {
		s.internalError(w, "list cards", err)
		return
	}
	out := make([]map[string]any, 0, len(cards))
	for i := range cards {
		out = append(out, cardView(&cards[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": out, "total": len(out)})
}

func (s *Server) handleGetNextCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.svc.Flashcards.NextCard(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrNoDueCards) {
			writeJSON(w, http.StatusOK, map[string]any{
				"card":    nil,
				"message": "No cards due. Come back later!",
			})
			return
		}
		s.internalError(w, "next card", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": cardView(card)})
}

func (s *Server) handleGetCardsStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Flashcards.Stats(r.Context())
	if err != nil {
		s.internalError(w, "card stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

type cardReviewRequest struct {
	Rating string `json:"rating" validate:"required,oneof=again hard good easy"`
}

func (s *Server) handleReviewCard(w http.ResponseWriter, r *http.Request) {
	cardID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid card id")
		return
	}
	var req cardReviewRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	card, entry, err := s.svc.Flashcards.ReviewCard(r.Context(), cardID, parseRating(req.Rating))
	if err != nil {
		if errors.Is(err, services.ErrCardNotFound) {
			writeError(w, http.StatusNotFound, "card not found")
			return
		}
		s.internalError(w, "review card", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"card": cardView(card),
		"log": map[string]any{
			"rating":  entry.Rating,
			"due_in":  entry.ScheduledDays,
			"updated": entry.ReviewedAt.Format(timeLayout),
		},
	})
}

func cardView(card *models.Card) map[string]any {
	return map[string]any{
		"id":              card.ID,
		"front":           card.Front,
		"back":            card.Back,
		"relevancy_score": card.RelevancyScore,
		"due":             nullTimeToString(card.Due),
		"source":          nullString(card.SourceDocumentRef),
		"state":           card.State,
		"stability":       card.Stability,
		"queued":          card.WorkingQueuePosition.Valid,
		"created_at":      card.CreatedAt.Format(timeLayout),
	}
}

const timeLayout = time.RFC3339

// parseRating maps a validated rating name onto the FSRS scale.
func parseRating(raw string) fsrs.Rating {
	switch raw {
	case "again":
		return fsrs.Again
	case "hard":
		return fsrs.Hard
	case "easy":
		return fsrs.Easy
	default:
		return fsrs.Good
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.Format(timeLayout)
		return &str
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if v.Valid {
		str := v.String
		return &str
	}
	return nil
}

// decodeJSON reads a JSON body into dst and validates it. It writes a 400 and
// returns false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Warn("request cancelled", "operation", op)
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	s.log.Error("request failed", "operation", op, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
