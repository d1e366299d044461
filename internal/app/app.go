// Package app assembles the review pipeline from configuration.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"learnly/internal/chunker"
	"learnly/internal/config"
	"learnly/internal/db"
	"learnly/internal/embedding"
	"learnly/internal/llm"
	"learnly/internal/logger"
	"learnly/internal/ocr"
	"learnly/internal/services"
	"learnly/internal/vectorstore"
	"learnly/internal/websearch"
)

// App holds every long-lived component. Close releases the database.
type App struct {
	DB         *sql.DB
	Store      vectorstore.Store
	Documents  *services.DocumentService
	Text       *services.PDFService
	Index      *services.ChunkIndex
	Ingestion  *services.IngestionService
	Reviewer   *services.Reviewer
	Flashcards *services.FlashcardService
}

func New(cfg config.Config, log *logger.Logger) (*App, error) {
	conn, err := db.Open(cfg.Storage.Database)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func build(cfg config.Config, conn *sql.DB, log *logger.Logger) (*App, error) {
	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg.VectorStore, conn, embedder.Dimension(), log)
	if err != nil {
		return nil, err
	}
	log.Info("retrieval configured",
		"embedder", embedder.Name(),
		"dimension", embedder.Dimension(),
		"vector_store", cfg.VectorStore.Backend,
	)

	var transcriber ocr.Transcriber
	if vision, err := ocr.NewVisionClient(ocr.Config{
		APIKey:  cfg.OCR.ZAIKey,
		BaseURL: cfg.OCR.ZAIBaseURL,
		Model:   cfg.OCR.ZAIModel,
	}, log.With("component", "ocr")); err == nil {
		transcriber = vision
	} else if !errors.Is(err, ocr.ErrNotConfigured) {
		return nil, err
	} else {
		log.Info("ocr disabled, scanned PDFs without a text layer will be rejected")
	}

	documents := services.NewDocumentService(conn, cfg.Storage.UploadDir, store)
	text := services.NewPDFService(transcriber, log.With("component", "pdf"))
	index := services.NewChunkIndex(
		documents,
		text,
		chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap),
		embedder,
		store,
		log.With("component", "index"),
	)

	generator := newCompleter(cfg.Generator, cfg.Review, "generator", log)
	critic := newCompleter(cfg.Critic, cfg.Review, "critic", log)

	reviewer := services.NewReviewer(
		index,
		services.NewQuestionExtractor(generator, cfg.Review.ExamTextLimit, log.With("component", "extractor")),
		services.NewAnswerGenerator(generator),
		services.NewCritic(critic),
		services.ReviewerConfig{
			TopK:            cfg.Review.TopK,
			RegenThreshold:  cfg.Review.RegenThreshold,
			MinRelevance:    cfg.Review.MinRelevance,
			WebContextLimit: cfg.Review.WebContextLimit,
		},
		log.With("component", "reviewer"),
	)
	if cfg.Review.WebContext {
		web, err := websearch.NewClient(websearch.Config{APIKey: cfg.WebSearch.ZAIKey, URL: cfg.WebSearch.URL})
		if err != nil {
			log.Warn("web context requested but unavailable", "error", err)
		} else {
			reviewer.WithWebContext(web)
			log.Info("web context enabled")
		}
	}

	return &App{
		DB:         conn,
		Store:      store,
		Documents:  documents,
		Text:       text,
		Index:      index,
		Ingestion:  services.NewIngestionService(index, log.With("component", "ingestion")),
		Reviewer:   reviewer,
		Flashcards: services.NewFlashcardService(conn),
	}, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "hash":
		return embedding.NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("embedding provider openai needs EMBEDDING_API_KEY or OPENAI_API_KEY; set EMBEDDING_PROVIDER=hash to run offline")
		}
		return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.APIKey,
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
		}), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

func newStore(cfg config.VectorStoreConfig, conn *sql.DB, dim int, log *logger.Logger) (vectorstore.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return vectorstore.NewSQLiteStore(conn), nil
	case "memory":
		log.Warn("memory vector store selected, chunks are lost on restart and documents are reindexed when uploaded again")
		return vectorstore.NewMemoryStore(), nil
	case "qdrant":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  dim,
		})
	}
	return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
}

func newCompleter(model config.ModelConfig, review config.ReviewConfig, role string, log *logger.Logger) llm.Completer {
	client, err := llm.NewClient(llm.Config{
		APIKey:   model.APIKey,
		Endpoint: model.Endpoint,
		Model:    model.Model,
		Timeout:  review.LLMTimeout,
	})
	if err != nil {
		log.Warn("model unavailable, reviews will fail until it is configured", "role", role, "error", err)
		return llm.Disabled{}
	}
	log.Info("model configured", "role", role, "model", client.Model(), "endpoint", model.Endpoint)
	return client
}
