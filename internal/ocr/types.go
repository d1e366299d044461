package ocr

import (
	"context"
	"time"
)

// Transcriber turns rendered pages into plain text.
type Transcriber interface {
	// TranscribePages returns the text of pages in page order.
	TranscribePages(ctx context.Context, pages []PageImage) (string, error)
}

// PageImage is a single rendered page.
type PageImage struct {
	Number  int
	DataURI string // base64 encoded image with data URI prefix
}

// Config holds configuration for the Z.AI vision client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// BatchSize is the number of pages sent per request.
	BatchSize int
	// Concurrency bounds the number of requests in flight.
	Concurrency int
	Timeout     time.Duration
}
