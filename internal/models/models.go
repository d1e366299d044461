package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

type Source string

const (
	SourceStudyMaterials Source = "study_materials"
	SourceExamFiles      Source = "exam_files"
)

// StudyDocument is an uploaded file identified by the hash of its bytes.
type StudyDocument struct {
	ID           int64        `json:"id"`
	ContentHash  string       `json:"content_hash"`
	OriginalName string       `json:"filename"`
	StoredPath   string       `json:"-"`
	Source       Source       `json:"source"`
	PageCount    int          `json:"page_count"`
	ChunkCount   int          `json:"chunk_count"`
	UploadedAt   time.Time    `json:"uploaded_at"`
	IndexedAt    sql.NullTime `json:"-"`
}

// Indexed reports whether every chunk of the document reached the similarity store.
func (d *StudyDocument) Indexed() bool {
	return d.IndexedAt.Valid
}

// Chunk is a span of extracted text from one StudyDocument.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID int64  `json:"document_id"`
	Filename   string `json:"filename"`
	Source     Source `json:"source"`
	Position   int    `json:"position"`
	Text       string `json:"text"`
}

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

type ExamQuestion struct {
	Number int    `json:"question_number"`
	Text   string `json:"question"`
}

// AnswerAttempt is one generation of an answer. Score and Feedback are filled in by the critic.
type AnswerAttempt struct {
	Number   int
	Answer   string
	ChunkIDs []string
	Score    float64
	Feedback string
}

type ReviewStatus string

const (
	StatusSuccess ReviewStatus = "success"
	StatusError   ReviewStatus = "error"
)

// ReviewResult is the externally visible outcome for one question.
type ReviewResult struct {
	QuestionNumber int          `json:"question_number"`
	Question       string       `json:"question"`
	Answer         string       `json:"answer"`
	RelevancyScore float64      `json:"relevancy_score"`
	Feedback       string       `json:"feedback"`
	ChunksUsed     int          `json:"chunks_used"`
	Attempts       int          `json:"attempts"`
	Status         ReviewStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
}

// ReviewResponse is the envelope returned by one review call.
type ReviewResponse struct {
	Status         ReviewStatus   `json:"status"`
	Message        string         `json:"message,omitempty"`
	TotalQuestions int            `json:"total_questions"`
	Results        []ReviewResult `json:"results"`
}

type Card struct {
	ID                   int64
	SourceDocumentID     sql.NullInt64
	Front                string
	Back                 string
	RelevancyScore       float64
	Due                  sql.NullTime
	Stability            float64
	Difficulty           float64
	ElapsedDays          int
	ScheduledDays        int
	Reps                 int
	Lapses               int
	State                int
	LastReview           sql.NullTime
	WorkingQueuePosition sql.NullInt64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	SourceDocumentRef    sql.NullString
}

type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

func (c *Card) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *Card) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
