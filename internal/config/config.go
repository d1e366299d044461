package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration loaded from an optional YAML file and the environment.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Generator   ModelConfig       `yaml:"generator"`
	Critic      ModelConfig       `yaml:"critic"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Review      ReviewConfig      `yaml:"review"`
	OCR         OCRConfig         `yaml:"ocr"`
	WebSearch   WebSearchConfig   `yaml:"web_search"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	Database  string `yaml:"database"`
	UploadDir string `yaml:"upload_dir"`
}

// ModelConfig points at an OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type VectorStoreConfig struct {
	Backend          string `yaml:"backend"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	QdrantCollection string `yaml:"qdrant_collection"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type ReviewConfig struct {
	TopK              int           `yaml:"top_k"`
	RegenThreshold    float64       `yaml:"regen_threshold"`
	MinRelevance      float64       `yaml:"min_relevance"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	ExamTextLimit     int           `yaml:"exam_text_limit"`
	WebContext        bool          `yaml:"web_context"`
	WebContextLimit   int           `yaml:"web_context_limit"`
	IndexConcurrency  int           `yaml:"index_concurrency"`
	MaxUploadMegabyte int           `yaml:"max_upload_mb"`
}

type OCRConfig struct {
	ZAIKey     string `yaml:"zai_key"`
	ZAIBaseURL string `yaml:"zai_base_url"`
	ZAIModel   string `yaml:"zai_model"`
}

type WebSearchConfig struct {
	ZAIKey string `yaml:"zai_key"`
	URL    string `yaml:"url"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

// Default returns the configuration used when neither a file nor the environment overrides a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Database:  "./data/learnly.db",
			UploadDir: "./data/uploads",
		},
		Generator: ModelConfig{
			Endpoint: "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 384,
			BatchSize: 64,
		},
		VectorStore: VectorStoreConfig{
			Backend:          "sqlite",
			QdrantURL:        "http://localhost:6333",
			QdrantCollection: "study_chunks",
		},
		Chunking: ChunkingConfig{Size: 300, Overlap: 100},
		Review: ReviewConfig{
			TopK:              2,
			RegenThreshold:    0.5,
			MinRelevance:      0.3,
			LLMTimeout:        2 * time.Minute,
			ExamTextLimit:     15000,
			WebContextLimit:   2500,
			IndexConcurrency:  4,
			MaxUploadMegabyte: 32,
		},
		OCR: OCRConfig{
			ZAIBaseURL: "https://api.z.ai/api/coding/paas/v4/",
			ZAIModel:   "glm-4.5v",
		},
		WebSearch: WebSearchConfig{URL: "https://api.z.ai/api/mcp/web_search_prime/mcp"},
		Log:       LogConfig{Mode: "dev"},
	}
}

// Load reads .env (if present), then the YAML file named by LEARNLY_CONFIG (if set),
// then environment variables. Later sources win.
func Load() (Config, error) {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("LEARNLY_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	applyDerived(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure upload dir %s: %w", cfg.Storage.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Database), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure database dir %s: %w", cfg.Storage.Database, err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	cfg.Storage.Database = getEnv("DATABASE_PATH", cfg.Storage.Database)
	cfg.Storage.UploadDir = getEnv("UPLOAD_DIR", cfg.Storage.UploadDir)

	cfg.Generator.APIKey = getEnv("OPENAI_API_KEY", cfg.Generator.APIKey)
	cfg.Generator.Endpoint = getEnv("OPENAI_API_ENDPOINT", cfg.Generator.Endpoint)
	cfg.Generator.Model = getEnv("OPENAI_MODEL", cfg.Generator.Model)

	cfg.Critic.APIKey = getEnv("CRITIC_API_KEY", cfg.Critic.APIKey)
	cfg.Critic.Endpoint = getEnv("CRITIC_API_ENDPOINT", cfg.Critic.Endpoint)
	cfg.Critic.Model = getEnv("CRITIC_MODEL", cfg.Critic.Model)

	cfg.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Endpoint = getEnv("EMBEDDING_API_ENDPOINT", cfg.Embedding.Endpoint)
	cfg.Embedding.Model = getEnv("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimension = getEnvInt("EMBEDDING_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.BatchSize = getEnvInt("EMBEDDING_BATCH_SIZE", cfg.Embedding.BatchSize)

	cfg.VectorStore.Backend = getEnv("VECTOR_STORE", cfg.VectorStore.Backend)
	cfg.VectorStore.QdrantURL = getEnv("QDRANT_URL", cfg.VectorStore.QdrantURL)
	cfg.VectorStore.QdrantAPIKey = getEnv("QDRANT_API_KEY", cfg.VectorStore.QdrantAPIKey)
	cfg.VectorStore.QdrantCollection = getEnv("QDRANT_COLLECTION", cfg.VectorStore.QdrantCollection)

	cfg.Chunking.Size = getEnvInt("CHUNK_SIZE", cfg.Chunking.Size)
	cfg.Chunking.Overlap = getEnvInt("CHUNK_OVERLAP", cfg.Chunking.Overlap)

	cfg.Review.TopK = getEnvInt("REVIEW_TOP_K", cfg.Review.TopK)
	cfg.Review.RegenThreshold = getEnvFloat("REVIEW_REGEN_THRESHOLD", cfg.Review.RegenThreshold)
	cfg.Review.MinRelevance = getEnvFloat("REVIEW_MIN_RELEVANCE", cfg.Review.MinRelevance)
	cfg.Review.LLMTimeout = getEnvDuration("REVIEW_LLM_TIMEOUT", cfg.Review.LLMTimeout)
	cfg.Review.ExamTextLimit = getEnvInt("REVIEW_EXAM_TEXT_LIMIT", cfg.Review.ExamTextLimit)
	cfg.Review.WebContext = getEnvBool("REVIEW_WEB_CONTEXT", cfg.Review.WebContext)
	cfg.Review.WebContextLimit = getEnvInt("REVIEW_WEB_CONTEXT_LIMIT", cfg.Review.WebContextLimit)
	cfg.Review.IndexConcurrency = getEnvInt("INDEX_CONCURRENCY", cfg.Review.IndexConcurrency)
	cfg.Review.MaxUploadMegabyte = getEnvInt("MAX_UPLOAD_MB", cfg.Review.MaxUploadMegabyte)

	cfg.OCR.ZAIKey = getEnv("Z_AI_API_KEY", cfg.OCR.ZAIKey)
	cfg.OCR.ZAIBaseURL = getEnv("Z_AI_BASE_URL", cfg.OCR.ZAIBaseURL)
	cfg.OCR.ZAIModel = getEnv("Z_AI_VISION_MODEL", cfg.OCR.ZAIModel)

	cfg.WebSearch.ZAIKey = getEnv("Z_AI_SEARCH_KEY", cfg.WebSearch.ZAIKey)
	cfg.WebSearch.URL = getEnv("Z_AI_SEARCH_URL", cfg.WebSearch.URL)

	cfg.Log.Mode = getEnv("LOG_MODE", cfg.Log.Mode)
}

// applyDerived fills values that default to other settings.
func applyDerived(cfg *Config) {
	if cfg.Critic.APIKey == "" {
		cfg.Critic.APIKey = cfg.Generator.APIKey
	}
	if cfg.Critic.Endpoint == "" {
		cfg.Critic.Endpoint = cfg.Generator.Endpoint
	}
	if cfg.Critic.Model == "" {
		cfg.Critic.Model = cfg.Generator.Model
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Generator.APIKey
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = cfg.Generator.Endpoint
	}
	if cfg.WebSearch.ZAIKey == "" {
		cfg.WebSearch.ZAIKey = cfg.OCR.ZAIKey
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Chunking.Size <= 0 {
		problems = append(problems, "chunking.size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		problems = append(problems, "chunking.overlap must be in [0, size)")
	}
	if c.Review.TopK < 1 {
		problems = append(problems, "review.top_k must be at least 1")
	}
	if c.Review.RegenThreshold < 0 || c.Review.RegenThreshold > 1 {
		problems = append(problems, "review.regen_threshold must be in [0, 1]")
	}
	if c.Review.MinRelevance < -1 || c.Review.MinRelevance > 1 {
		problems = append(problems, "review.min_relevance must be in [-1, 1]")
	}
	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider %q is not one of openai, hash", c.Embedding.Provider))
	}
	if c.Embedding.Dimension <= 0 {
		problems = append(problems, "embedding.dimension must be positive")
	}
	switch c.VectorStore.Backend {
	case "sqlite", "memory", "qdrant":
	default:
		problems = append(problems, fmt.Sprintf("vector_store.backend %q is not one of sqlite, memory, qdrant", c.VectorStore.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}
