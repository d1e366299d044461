package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"learnly/internal/logger"
	"learnly/internal/models"
)

// Retriever finds study material chunks for a question.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
}

type Extractor interface {
	Extract(ctx context.Context, examText string) ([]models.ExamQuestion, error)
}

type Generator interface {
	Generate(ctx context.Context, in GenerationInput, attempt int) (string, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, question, answer string, chunks []models.ScoredChunk) (float64, string, error)
}

// WebContexter supplies optional web search text for a question.
type WebContexter interface {
	Context(ctx context.Context, query string, limit int) (string, error)
}

// ReviewerConfig tunes the review pipeline.
type ReviewerConfig struct {
	// TopK is the number of chunks retrieved per question. Zero disables retrieval.
	TopK int
	// An answer scoring at or below RegenThreshold is generated once more.
	RegenThreshold float64
	// Retrieved chunks scoring below MinRelevance are not shown to the generator.
	MinRelevance float64
	// WebContextLimit caps the web search text passed to the generator.
	WebContextLimit int
}

// DefaultReviewerConfig returns the pipeline defaults.
func DefaultReviewerConfig() ReviewerConfig {
	return ReviewerConfig{TopK: 2, RegenThreshold: 0.5, MinRelevance: 0.3, WebContextLimit: 2500}
}

// criticFallbackScore is the score given to an attempt the critic could not judge.
const criticFallbackScore = 0.5

// Reviewer answers exam questions one at a time: retrieve, generate, critique,
// and regenerate once when the critique is weak.
type Reviewer struct {
	retriever Retriever
	extractor Extractor
	generator Generator
	critic    Evaluator
	web       WebContexter
	cfg       ReviewerConfig
	log       *logger.Logger
}

func NewReviewer(
	retriever Retriever,
	extractor Extractor,
	generator Generator,
	critic Evaluator,
	cfg ReviewerConfig,
	log *logger.Logger,
) *Reviewer {
	if log == nil {
		log = logger.Nop()
	}
	return &Reviewer{
		retriever: retriever,
		extractor: extractor,
		generator: generator,
		critic:    critic,
		cfg:       cfg,
		log:       log,
	}
}

// WithWebContext enables web search context for every question.
func (r *Reviewer) WithWebContext(web WebContexter) *Reviewer {
	r.web = web
	return r
}

// ReviewExam extracts the questions in examText and reviews each of them.
// Pipeline-level failures are reported in the response; the returned error is
// only set when ctx is cancelled or the index cannot be read.
func (r *Reviewer) ReviewExam(ctx context.Context, examText string) (models.ReviewResponse, error) {
	if resp, err := r.checkIndex(ctx); resp != nil || err != nil {
		return deref(resp), err
	}

	questions, err := r.extractor.Extract(ctx, examText)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.ReviewResponse{}, ctxErr
		}
		r.log.Error("question extraction failed", "error", err)
		return failedResponse(fmt.Sprintf("Failed to process exam file: %v", err)), nil
	}
	return r.review(ctx, questions)
}

// ReviewQuestion reviews a single question without extraction.
func (r *Reviewer) ReviewQuestion(ctx context.Context, question string) (models.ReviewResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return failedResponse("No questions found"), nil
	}
	if resp, err := r.checkIndex(ctx); resp != nil || err != nil {
		return deref(resp), err
	}
	return r.review(ctx, []models.ExamQuestion{{Number: 1, Text: question}})
}

// checkIndex returns a fatal response when retrieval is enabled and nothing has
// been indexed yet.
func (r *Reviewer) checkIndex(ctx context.Context) (*models.ReviewResponse, error) {
	if r.cfg.TopK <= 0 {
		return nil, nil
	}
	n, err := r.retriever.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count indexed chunks: %w", err)
	}
	if n == 0 {
		r.log.Warn("review requested with an empty index")
		resp := failedResponse(ErrIndexEmpty.Error())
		return &resp, nil
	}
	return nil, nil
}

func deref(resp *models.ReviewResponse) models.ReviewResponse {
	if resp == nil {
		return models.ReviewResponse{}
	}
	return *resp
}

func (r *Reviewer) review(ctx context.Context, questions []models.ExamQuestion) (models.ReviewResponse, error) {
	results := make([]models.ReviewResult, 0, len(questions))
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return models.ReviewResponse{}, err
		}
		res := r.reviewOne(ctx, q)
		if err := ctx.Err(); err != nil {
			return models.ReviewResponse{}, err
		}
		results = append(results, res)
	}
	return models.ReviewResponse{
		Status:         models.StatusSuccess,
		TotalQuestions: len(results),
		Results:        results,
	}, nil
}

func (r *Reviewer) reviewOne(ctx context.Context, q models.ExamQuestion) models.ReviewResult {
	log := r.log.With("question_number", q.Number)
	result := models.ReviewResult{
		QuestionNumber: q.Number,
		Question:       q.Text,
		Status:         models.StatusSuccess,
	}

	chunks, err := r.retrieve(ctx, q.Text)
	if err != nil {
		log.Error("retrieval failed", "error", err)
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}
	result.ChunksUsed = len(chunks)
	if len(chunks) == 0 {
		log.Info("no relevant study materials found")
	}

	in := GenerationInput{Question: q.Text, Chunks: chunks, WebContext: r.webContext(ctx, q.Text, log)}

	first, err := r.attempt(ctx, in, 1, log)
	if err != nil {
		result.Status = models.StatusError
		result.Error = err.Error()
		result.Attempts = 1
		return result
	}
	applyAttempt(&result, first)

	if !first.judged || first.Score > r.cfg.RegenThreshold {
		return result
	}

	log.Info("regenerating weak answer", "score", first.Score, "threshold", r.cfg.RegenThreshold)
	in.Feedback = first.Feedback
	second, err := r.attempt(ctx, in, 2, log)
	result.Attempts = 2
	if err != nil {
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}
	applyAttempt(&result, second)
	return result
}

// attemptResult is an AnswerAttempt plus whether the critic produced a usable verdict.
type attemptResult struct {
	models.AnswerAttempt
	judged bool
}

func (r *Reviewer) attempt(ctx context.Context, in GenerationInput, n int, log *logger.Logger) (attemptResult, error) {
	answer, err := r.generator.Generate(ctx, in, n)
	if err != nil {
		log.Error("answer generation failed", "attempt", n, "error", err)
		return attemptResult{}, err
	}

	ids := make([]string, len(in.Chunks))
	for i, c := range in.Chunks {
		ids[i] = c.ID
	}
	out := attemptResult{AnswerAttempt: models.AnswerAttempt{Number: n, Answer: answer, ChunkIDs: ids}}

	score, feedback, err := r.critic.Evaluate(ctx, in.Question, answer, in.Chunks)
	if err != nil {
		log.Warn("critic evaluation unusable, using fallback score",
			"attempt", n,
			"score", criticFallbackScore,
			"error", err,
			"parse_error", errors.As(err, new(*CriticParseError)),
		)
		out.Score = criticFallbackScore
		out.Feedback = "Error in evaluation"
		return out, nil
	}
	out.Score = score
	out.Feedback = feedback
	out.judged = true
	log.Info("answer critiqued", "attempt", n, "score", score)
	return out, nil
}

func (r *Reviewer) retrieve(ctx context.Context, question string) ([]models.ScoredChunk, error) {
	if r.cfg.TopK <= 0 {
		return []models.ScoredChunk{}, nil
	}
	hits, err := r.retriever.Search(ctx, question, r.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieve study materials: %w", err)
	}
	kept := make([]models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if h.Score >= r.cfg.MinRelevance {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

func (r *Reviewer) webContext(ctx context.Context, question string, log *logger.Logger) string {
	if r.web == nil {
		return ""
	}
	text, err := r.web.Context(ctx, question, r.cfg.WebContextLimit)
	if err != nil {
		log.Warn("web search failed", "error", err)
		return ""
	}
	return text
}

func applyAttempt(result *models.ReviewResult, a attemptResult) {
	result.Answer = a.Answer
	result.RelevancyScore = a.Score
	result.Feedback = a.Feedback
	result.Attempts = a.Number
}

func failedResponse(message string) models.ReviewResponse {
	return models.ReviewResponse{
		Status:  models.StatusError,
		Message: message,
		Results: []models.ReviewResult{},
	}
}
