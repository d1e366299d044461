// Command indexer bulk-loads a directory of study materials into the chunk index.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"learnly/internal/app"
	"learnly/internal/config"
	"learnly/internal/logger"
	"learnly/internal/services"
)

func main() {
	dir := flag.String("dir", "", "directory of study materials to index")
	concurrency := flag.Int("concurrency", 0, "files indexed at once (defaults to INDEX_CONCURRENCY)")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: indexer -dir <path> [-concurrency n]")
		os.Exit(2)
	}
	os.Exit(run(*dir, *concurrency))
}

func run(dir string, concurrency int) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	uploads, err := collect(dir)
	if err != nil {
		log.Error("read materials", "dir", dir, "error", err)
		return 1
	}
	if len(uploads) == 0 {
		log.Warn("no supported files found", "dir", dir)
		return 0
	}
	if concurrency <= 0 {
		concurrency = cfg.Review.IndexConcurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := a.Ingestion.IngestAll(ctx, uploads, concurrency, func(_ int, r services.IngestResult) {
		switch r.Status {
		case services.IngestIndexed:
			log.Info("indexed", "file", r.Name, "chunks", r.Chunks)
		case services.IngestDuplicate:
			log.Info("skipped duplicate", "file", r.Name)
		default:
			log.Warn("failed", "file", r.Name, "error", r.Message)
		}
	})
	if err != nil {
		log.Error("indexing interrupted", "error", err)
		return 1
	}

	var indexed, duplicates, failed int
	for _, r := range results {
		switch r.Status {
		case services.IngestIndexed:
			indexed++
		case services.IngestDuplicate:
			duplicates++
		default:
			failed++
		}
	}

	fmt.Printf("indexed %d, duplicates %d, failed %d\n", indexed, duplicates, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// collect reads every supported file under dir.
func collect(dir string) ([]services.Upload, error) {
	var uploads []services.Upload
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !services.SupportedFile(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		uploads = append(uploads, services.Upload{Name: d.Name(), Data: data})
		return nil
	})
	return uploads, err
}
