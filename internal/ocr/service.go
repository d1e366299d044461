package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"learnly/internal/logger"
)

const transcribePrompt = `Transcribe all text on these pages exactly as written, in reading order. ` +
	`Separate pages with a blank line. Describe figures or diagrams in one short sentence. ` +
	`Return only the transcription.`

// ErrNotConfigured is returned when no API key was provided.
var ErrNotConfigured = errors.New("ocr service not configured")

// VisionClient calls the Z.AI vision chat completions API.
type VisionClient struct {
	apiKey      string
	baseURL     string
	model       string
	batchSize   int
	concurrency int
	httpClient  *http.Client
	log         *logger.Logger
	sleep       func(time.Duration)
}

func NewVisionClient(cfg Config, log *logger.Logger) (*VisionClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.z.ai/api/coding/paas/v4/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	model := cfg.Model
	if model == "" {
		model = "glm-4.5v"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 8
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &VisionClient{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		batchSize:   batch,
		concurrency: conc,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
		sleep:       time.Sleep,
	}, nil
}

type messageContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type visionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type visionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// TranscribePages sends pages in batches, at most concurrency at a time, and
// joins the transcriptions in page order.
func (c *VisionClient) TranscribePages(ctx context.Context, pages []PageImage) (string, error) {
	if len(pages) == 0 {
		return "", nil
	}

	var batches [][]PageImage
	for i := 0; i < len(pages); i += c.batchSize {
		end := min(i+c.batchSize, len(pages))
		batches = append(batches, pages[i:end])
	}

	texts := make([]string, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			uris := make([]string, len(batch))
			for j, p := range batch {
				uris[j] = p.DataURI
			}
			c.log.Debug("ocr batch",
				"first_page", batch[0].Number,
				"last_page", batch[len(batch)-1].Number,
				"total_pages", len(pages),
			)
			text, err := c.AnalyzeImages(gctx, uris, transcribePrompt)
			if err != nil {
				return fmt.Errorf("pages %d-%d: %w", batch[0].Number, batch[len(batch)-1].Number, err)
			}
			texts[i] = strings.TrimSpace(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(texts, "\n\n"), nil
}

// AnalyzeImages sends all images followed by prompt in one request. Transient
// failures are retried twice; 4xx responses are not.
func (c *VisionClient) AnalyzeImages(ctx context.Context, imageDataURIs []string, prompt string) (string, error) {
	content := make([]messageContent, 0, len(imageDataURIs)+1)
	for _, uri := range imageDataURIs {
		content = append(content, messageContent{Type: "image_url", ImageURL: &imageURL{URL: uri}})
	}
	content = append(content, messageContent{Type: "text", Text: prompt})

	reqBody, err := json.Marshal(visionRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: content}},
		Temperature: 0.2,
		MaxTokens:   16384,
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying vision request", "attempt", attempt+1, "error", lastErr)
			c.sleep(time.Duration(attempt) * 2 * time.Second)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, retry, err := c.send(ctx, reqBody)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
	}
	return "", fmt.Errorf("vision api failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *VisionClient) send(ctx context.Context, body []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Language", "en-US,en")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("execute vision request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("vision api error: status=%d, body=%s", resp.StatusCode, string(raw))
		return "", resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
	}

	var parsed visionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", true, fmt.Errorf("unmarshal vision response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", true, errors.New("vision api returned empty content")
	}
	return parsed.Choices[0].Message.Content, false, nil
}
