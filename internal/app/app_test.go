package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"learnly/internal/config"
	"learnly/internal/logger"
	"learnly/internal/models"
)

func offlineConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Database = filepath.Join(dir, "learnly.db")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Embedding.Provider = "hash"
	cfg.VectorStore.Backend = "sqlite"
	return cfg
}

func TestNewWithoutModelsStillIndexes(t *testing.T) {
	a, err := New(offlineConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	out, err := a.Index.Index(ctx, []byte("Photosynthesis turns light into chemical energy in chloroplasts."), "bio.txt")
	require.NoError(t, err)
	require.Equal(t, 1, out.ChunksAdded)

	resp, err := a.Reviewer.ReviewQuestion(ctx, "Where does photosynthesis happen?")
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, resp.Status)
	require.Len(t, resp.Results, 1)
	require.Equal(t, models.StatusError, resp.Results[0].Status)
	require.Contains(t, resp.Results[0].Error, "not configured")
}

func TestNewRejectsUnusableSettings(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.APIKey = ""
	_, err := New(cfg, logger.Nop())
	require.ErrorContains(t, err, "EMBEDDING_PROVIDER=hash")

	cfg = offlineConfig(t)
	cfg.VectorStore.Backend = "pinecone"
	_, err = New(cfg, logger.Nop())
	require.ErrorContains(t, err, "unknown vector store backend")
}

func TestNewMemoryBackend(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.VectorStore.Backend = "memory"
	a, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	n, err := a.Store.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
