package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"learnly/internal/models"
)

var (
	// ErrNoDueCards indicates that there are no cards ready to review.
	ErrNoDueCards = errors.New("no due cards")
	// ErrCardNotFound is returned for unknown card ids.
	ErrCardNotFound = errors.New("card not found")
)

// workingQueueSize bounds how many "again" cards are kept for immediate re-study.
const workingQueueSize = 20

// FlashcardService keeps reviewed exam answers as a rehearsal deck scheduled
// with FSRS.
type FlashcardService struct {
	db     *sql.DB
	params fsrs.Parameters
	now    func() time.Time
}

func NewFlashcardService(db *sql.DB) *FlashcardService {
	return &FlashcardService{db: db, params: fsrs.DefaultParam(), now: func() time.Time { return time.Now().UTC() }}
}

const cardSelect = `
	SELECT c.id, c.source_document_id, c.front, c.back, c.relevancy_score,
		   c.due, c.stability, c.difficulty, c.elapsed_days, c.scheduled_days,
		   c.reps, c.lapses, c.state, c.last_review, c.created_at, c.updated_at,
		   c.working_queue_position, d.original_name
	FROM cards c
	LEFT JOIN documents d ON c.source_document_id = d.id`

// SaveReviewResults stores each successful result as a card with the question
// on the front and the final answer on the back. A question already in the
// deck gets its answer replaced and keeps its schedule. It returns the number
// of cards written.
func (s *FlashcardService) SaveReviewResults(ctx context.Context, results []models.ReviewResult) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cards (front, back, relevancy_score, due, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(front) DO UPDATE SET
			back = excluded.back,
			relevancy_score = excluded.relevancy_score,
			updated_at = excluded.updated_at;
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare card upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, r := range results {
		front := strings.TrimSpace(r.Question)
		back := strings.TrimSpace(r.Answer)
		if r.Status != models.StatusSuccess || front == "" || back == "" {
			continue
		}
		if _, err = stmt.ExecContext(ctx, front, back, r.RelevancyScore, now, int(fsrs.New), now, now); err != nil {
			return 0, fmt.Errorf("upsert card %q: %w", front, err)
		}
		n++
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cards: %w", err)
	}
	return n, nil
}

// NextCard returns the next card to study: first the working queue, then the
// card that has been due longest. New cards are due from the moment they are saved.
func (s *FlashcardService) NextCard(ctx context.Context) (*models.Card, error) {
	card, err := s.fetchCard(ctx, cardSelect+`
		WHERE c.working_queue_position IS NOT NULL
		ORDER BY c.working_queue_position ASC
		LIMIT 1;
	`)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	card, err = s.fetchCard(ctx, cardSelect+`
		WHERE c.due IS NOT NULL AND c.due <= ? AND c.working_queue_position IS NULL
		ORDER BY c.due ASC, c.id ASC
		LIMIT 1;
	`, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDueCards
		}
		return nil, err
	}
	return card, nil
}

func (s *FlashcardService) fetchCard(ctx context.Context, query string, args ...any) (*models.Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return card, nil
}

func scanCard(row rowScanner) (*models.Card, error) {
	card := &models.Card{}
	if err := row.Scan(
		&card.ID,
		&card.SourceDocumentID,
		&card.Front,
		&card.Back,
		&card.RelevancyScore,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
		&card.WorkingQueuePosition,
		&card.SourceDocumentRef,
	); err != nil {
		return nil, err
	}
	return card, nil
}

// ReviewCard updates the scheduling information based on the user's rating.
// Cards rated "again" join the working queue; any other rating removes them.
func (s *FlashcardService) ReviewCard(ctx context.Context, cardID int64, rating fsrs.Rating) (card *models.Card, entry *models.ReviewLog, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card, err = scanCard(tx.QueryRowContext(ctx, cardSelect+` WHERE c.id = ?;`, cardID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("card %d: %w", cardID, ErrCardNotFound)
		}
		return nil, nil, fmt.Errorf("load card %d: %w", cardID, err)
	}

	now := s.now()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return nil, nil, fmt.Errorf("rating %d not supported", rating)
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if rating == fsrs.Again {
		err = s.addToWorkingQueue(ctx, tx, card)
	} else {
		err = s.removeFromWorkingQueue(ctx, tx, card)
	}
	if err != nil {
		return nil, nil, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		return nil, nil, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, card.ID, info.ReviewLog.Rating, info.ReviewLog.ScheduledDays, info.ReviewLog.ElapsedDays, info.ReviewLog.State, now); err != nil {
		return nil, nil, fmt.Errorf("insert review log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}

	return card, &models.ReviewLog{
		CardID:        card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}, nil
}

// addToWorkingQueue appends card to the queue, evicting the oldest entry when full.
func (s *FlashcardService) addToWorkingQueue(ctx context.Context, tx *sql.Tx, card *models.Card) error {
	if card.WorkingQueuePosition.Valid {
		return nil
	}

	var maxPosition sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(working_queue_position) FROM cards;`).Scan(&maxPosition); err != nil {
		return fmt.Errorf("get max queue position: %w", err)
	}
	next := int64(1)
	if maxPosition.Valid {
		next = maxPosition.Int64 + 1
	}

	if next > workingQueueSize {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET working_queue_position = NULL WHERE working_queue_position = 1;`); err != nil {
			return fmt.Errorf("evict oldest queued card: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET working_queue_position = working_queue_position - 1 WHERE working_queue_position IS NOT NULL;`); err != nil {
			return fmt.Errorf("shift queue positions: %w", err)
		}
		next = workingQueueSize
	}

	if _, err := tx.ExecContext(ctx, `UPDATE cards SET working_queue_position = ? WHERE id = ?;`, next, card.ID); err != nil {
		return fmt.Errorf("queue card %d: %w", card.ID, err)
	}
	card.WorkingQueuePosition = sql.NullInt64{Int64: next, Valid: true}
	return nil
}

func (s *FlashcardService) removeFromWorkingQueue(ctx context.Context, tx *sql.Tx, card *models.Card) error {
	if !card.WorkingQueuePosition.Valid {
		return nil
	}
	position := card.WorkingQueuePosition.Int64
	if _, err := tx.ExecContext(ctx, `UPDATE cards SET working_queue_position = NULL WHERE id = ?;`, card.ID); err != nil {
		return fmt.Errorf("dequeue card %d: %w", card.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cards SET working_queue_position = working_queue_position - 1 WHERE working_queue_position > ?;`, position); err != nil {
		return fmt.Errorf("shift queue positions: %w", err)
	}
	card.WorkingQueuePosition = sql.NullInt64{}
	return nil
}

// ListCards returns every card, newest first.
func (s *FlashcardService) ListCards(ctx context.Context) ([]models.Card, error) {
	rows, err := s.db.QueryContext(ctx, cardSelect+` ORDER BY c.created_at DESC, c.id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}

// DeckStats counts cards by scheduling state.
type DeckStats struct {
	Total    int `json:"total"`
	Due      int `json:"due"`
	New      int `json:"new"`
	Learning int `json:"learning"`
	Review   int `json:"review"`
	Queued   int `json:"queued"`
}

func (s *FlashcardService) Stats(ctx context.Context) (DeckStats, error) {
	var st DeckStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN due IS NOT NULL AND due <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN working_queue_position IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM cards;
	`, s.now(), int(fsrs.New), int(fsrs.Learning), int(fsrs.Relearning), int(fsrs.Review)).Scan(
		&st.Total, &st.Due, &st.New, &st.Learning, &st.Review, &st.Queued,
	)
	if err != nil {
		return DeckStats{}, fmt.Errorf("card stats: %w", err)
	}
	return st, nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}
