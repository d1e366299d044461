package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setStorage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "db", "learnly.db"))
	t.Setenv("UPLOAD_DIR", filepath.Join(dir, "uploads"))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setStorage(t)
	t.Setenv("LEARNLY_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "sk-gen")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("CRITIC_API_KEY", "")
	t.Setenv("CRITIC_MODEL", "")
	t.Setenv("CRITIC_API_ENDPOINT", "")
	t.Setenv("REVIEW_TOP_K", "")
	t.Setenv("CHUNK_SIZE", "")
	t.Setenv("CHUNK_OVERLAP", "")
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("VECTOR_STORE", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 2, cfg.Review.TopK)
	require.Equal(t, 0.5, cfg.Review.RegenThreshold)
	require.Equal(t, 300, cfg.Chunking.Size)
	require.Equal(t, 100, cfg.Chunking.Overlap)
	require.Equal(t, "sk-gen", cfg.Critic.APIKey, "critic falls back to generator credentials")
	require.Equal(t, cfg.Generator.Model, cfg.Critic.Model)

	_, err = os.Stat(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "db"))
	require.NoError(t, err)
}

func TestLoadYAMLOverlayAndEnvPrecedence(t *testing.T) {
	dir := setStorage(t)
	path := filepath.Join(dir, "learnly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
critic:
  model: llama-3.1-70b
  endpoint: https://api.groq.com/openai/v1
review:
  top_k: 3
  llm_timeout: 45s
vector_store:
  backend: memory
`), 0o644))
	t.Setenv("LEARNLY_CONFIG", path)
	t.Setenv("REVIEW_TOP_K", "4")
	t.Setenv("CRITIC_MODEL", "")
	t.Setenv("CRITIC_API_ENDPOINT", "")
	t.Setenv("VECTOR_STORE", "")
	t.Setenv("REVIEW_LLM_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "llama-3.1-70b", cfg.Critic.Model)
	require.Equal(t, "https://api.groq.com/openai/v1", cfg.Critic.Endpoint)
	require.Equal(t, 4, cfg.Review.TopK, "environment wins over the file")
	require.Equal(t, 45*time.Second, cfg.Review.LLMTimeout)
	require.Equal(t, "memory", cfg.VectorStore.Backend)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := setStorage(t)
	t.Setenv("LEARNLY_CONFIG", filepath.Join(dir, "absent.yaml"))
	t.Setenv("VECTOR_STORE", "")
	t.Setenv("EMBEDDING_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.VectorStore.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "overlap too large", mutate: func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }},
		{name: "zero k", mutate: func(c *Config) { c.Review.TopK = 0 }},
		{name: "threshold above one", mutate: func(c *Config) { c.Review.RegenThreshold = 1.5 }},
		{name: "unknown embedder", mutate: func(c *Config) { c.Embedding.Provider = "bert" }},
		{name: "unknown store", mutate: func(c *Config) { c.VectorStore.Backend = "faiss" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_FLOAT", "1.x")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "soon")
	require.Equal(t, 7, getEnvInt("X_INT", 7))
	require.Equal(t, 0.25, getEnvFloat("X_FLOAT", 0.25))
	require.True(t, getEnvBool("X_BOOL", true))
	require.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}
