package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
	"github.com/stretchr/testify/require"

	"learnly/internal/db"
	"learnly/internal/models"
)

func newTestDeck(t *testing.T) (*FlashcardService, *time.Time) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "deck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewFlashcardService(conn)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func reviewed(q, a string, score float64) models.ReviewResult {
	return models.ReviewResult{Question: q, Answer: a, RelevancyScore: score, Status: models.StatusSuccess}
}

func TestSaveReviewResultsSkipsFailures(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestDeck(t)

	n, err := s.SaveReviewResults(ctx, []models.ReviewResult{
		reviewed("What is ATP?", "The energy currency of the cell.", 0.9),
		reviewed("Define osmosis.", "Diffusion of water across a membrane.", 0.7),
		{Question: "Broken?", Answer: "partial", Status: models.StatusError},
		reviewed("No answer?", "   ", 0.5),
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.SaveReviewResults(ctx, []models.ReviewResult{
		reviewed("What is ATP?", "Adenosine triphosphate.", 0.95),
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cards, err := s.ListCards(ctx)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	backs := map[string]string{}
	for _, c := range cards {
		backs[c.Front] = c.Back
	}
	require.Equal(t, "Adenosine triphosphate.", backs["What is ATP?"])

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, DeckStats{Total: 2, Due: 2, New: 2}, stats)
}

func TestNextCardAndReview(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestDeck(t)

	_, err := s.NextCard(ctx)
	require.ErrorIs(t, err, ErrNoDueCards)

	_, err = s.SaveReviewResults(ctx, []models.ReviewResult{
		reviewed("What is ATP?", "The energy currency of the cell.", 0.9),
		reviewed("Define osmosis.", "Diffusion of water across a membrane.", 0.7),
	})
	require.NoError(t, err)

	first, err := s.NextCard(ctx)
	require.NoError(t, err)

	again, entry, err := s.ReviewCard(ctx, first.ID, fsrs.Again)
	require.NoError(t, err)
	require.True(t, again.WorkingQueuePosition.Valid)
	require.Equal(t, first.ID, entry.CardID)
	require.Equal(t, int(fsrs.Again), entry.Rating)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Queued)

	queued, err := s.NextCard(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, queued.ID)

	good, _, err := s.ReviewCard(ctx, first.ID, fsrs.Good)
	require.NoError(t, err)
	require.False(t, good.WorkingQueuePosition.Valid)
	require.True(t, good.Due.Time.After(*clock))

	second, err := s.NextCard(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	_, _, err = s.ReviewCard(ctx, second.ID, fsrs.Easy)
	require.NoError(t, err)

	_, err = s.NextCard(ctx)
	require.ErrorIs(t, err, ErrNoDueCards)

	*clock = clock.Add(365 * 24 * time.Hour)
	_, err = s.NextCard(ctx)
	require.NoError(t, err)

	_, _, err = s.ReviewCard(ctx, 9999, fsrs.Good)
	require.ErrorIs(t, err, ErrCardNotFound)
}

func TestNextCardServesNewCardsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestDeck(t)

	_, err := s.SaveReviewResults(ctx, []models.ReviewResult{reviewed("What is ATP?", "The energy currency of the cell.", 0.9)})
	require.NoError(t, err)
	saved := *clock
	*clock = clock.Add(time.Minute)
	_, err = s.SaveReviewResults(ctx, []models.ReviewResult{reviewed("Define osmosis.", "Diffusion of water across a membrane.", 0.7)})
	require.NoError(t, err)

	next, err := s.NextCard(ctx)
	require.NoError(t, err)
	require.Equal(t, "What is ATP?", next.Front)
	require.True(t, next.Due.Valid)
	require.True(t, next.Due.Time.Equal(saved))
	require.Equal(t, int(fsrs.New), next.State)
}
