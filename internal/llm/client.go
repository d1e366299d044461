package llm

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Capability names the role a model call plays. It is carried into errors and logs.
type Capability string

const (
	CapabilityExtract  Capability = "extract"
	CapabilityGenerate Capability = "generate"
	CapabilityCritique Capability = "critique"
)

// Request is a single system+user chat completion.
type Request struct {
	Capability  Capability
	System      string
	Prompt      string
	// Temperature 0 asks for deterministic sampling.
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Completer returns the raw text of a model completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config points a Client at an OpenAI-compatible endpoint.
type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// Client is a Completer backed by an OpenAI-compatible chat completions API.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	chat := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: wireTemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		return "", &ServiceError{Capability: req.Capability, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ServiceError{Capability: req.Capability, Err: ErrEmptyResponse}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &ServiceError{Capability: req.Capability, Err: ErrEmptyResponse}
	}
	return content, nil
}

// wireTemperature keeps a zero temperature on the wire. go-openai omits a zero
// value, which providers read as their default of 1.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

// Disabled stands in for a provider without credentials. Every call fails
// with ErrUnavailable.
type Disabled struct{}

func (Disabled) Complete(_ context.Context, req Request) (string, error) {
	return "", &ServiceError{Capability: req.Capability, Err: ErrUnavailable}
}
