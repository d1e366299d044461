package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultURL = "https://api.z.ai/api/mcp/web_search_prime/mcp"

// Client calls the webSearchPrime tool over MCP's streamable HTTP transport.
// The session id returned by initialize is reused until the server rejects it.
type Client struct {
	apiKey     string
	url        string
	numResults int
	http       *http.Client

	mu        sync.RWMutex
	sessionID string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &SearchError{Code: "missing_api_key", Message: "Z.AI API key is required"}
	}
	url := cfg.URL
	if url == "" {
		url = defaultURL
	}
	n := cfg.NumResults
	if n <= 0 {
		n = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		url:        url,
		numResults: n,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type mcpToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type mcpResponse struct {
	Result *mcpToolResult `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

type mcpToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// Search runs one web search. A rejected session is re-initialised once.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	body, err := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params: mcpToolParams{
			Name: "webSearchPrime",
			Arguments: map[string]any{
				"search_query": query,
				"count":        c.numResults,
				"location":     "us",
				"content_size": "medium",
			},
		},
	})
	if err != nil {
		return nil, &SearchError{Code: "marshal_error", Message: "Failed to marshal search request", Details: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sessionID, err := c.session(ctx)
		if err != nil {
			return nil, err
		}
		result, err := c.call(ctx, sessionID, body)
		if err == nil {
			result.Query = query
			return result, nil
		}
		lastErr = err
		var se *SearchError
		if !errors.As(err, &se) || se.Code != "no_session" {
			return nil, err
		}
		c.resetSession(sessionID)
	}
	return nil, lastErr
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.sessionID
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return c.sessionID, nil
	}

	body, _ := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		ID:      "init",
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"clientInfo":      map[string]any{"name": "learnly", "version": "1.0"},
		},
	})
	resp, raw, err := c.post(ctx, "", body)
	if err != nil {
		return "", &SearchError{Code: "session_init_failed", Message: "Failed to execute initialization request", Details: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp.StatusCode, raw)
	}
	id = resp.Header.Get("Mcp-Session-Id")
	if id == "" {
		return "", &SearchError{Code: "session_init_failed", Message: "No session ID returned from MCP server"}
	}
	c.sessionID = id
	return id, nil
}

func (c *Client) resetSession(stale string) {
	c.mu.Lock()
	if c.sessionID == stale {
		c.sessionID = ""
	}
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, sessionID string, body []byte) (*SearchResult, error) {
	resp, raw, err := c.post(ctx, sessionID, body)
	if err != nil {
		return nil, &SearchError{Code: "network_error", Message: "Network request failed", Details: err.Error()}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &SearchError{Code: "no_session", Message: "MCP session expired"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp.StatusCode, raw)
	}

	payload, err := parseSSE(raw)
	if err != nil {
		return nil, &SearchError{Code: "sse_parse_failed", Message: "Failed to parse SSE response", Details: err.Error()}
	}
	var mcpResp mcpResponse
	if err := json.Unmarshal(payload, &mcpResp); err != nil {
		return nil, &SearchError{Code: "response_parse_failed", Message: "Failed to parse MCP response", Details: err.Error()}
	}
	return extractResults(&mcpResp)
}

func (c *Client) post(ctx context.Context, sessionID string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, raw, nil
}

func httpError(status int, body []byte) *SearchError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &SearchError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &SearchError{
		Code:    fmt.Sprintf("http_%d", status),
		Message: http.StatusText(status),
		Details: string(body),
	}
}

// parseSSE returns the joined data lines of a server-sent event stream, or body
// itself when it is plain JSON.
func parseSSE(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	var data []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				data = append(data, rest)
			}
		}
	}
	if len(data) == 0 {
		return nil, errors.New("no data found in SSE response")
	}
	return []byte(strings.Join(data, "")), nil
}

func extractResults(resp *mcpResponse) (*SearchResult, error) {
	if resp.Error != nil {
		return nil, &SearchError{Code: "mcp_error", Message: resp.Error.Message, Details: resp.Error.Data}
	}
	if resp.Result == nil {
		return nil, &SearchError{Code: "empty_response", Message: "MCP response returned no result"}
	}
	if resp.Result.IsError {
		msg := "Tool call failed"
		if len(resp.Result.Content) > 0 {
			msg = resp.Result.Content[0].Text
		}
		return nil, &SearchError{Code: "tool_error", Message: msg}
	}
	if len(resp.Result.Content) == 0 || resp.Result.Content[0].Text == "" {
		return &SearchResult{Results: []SearchItem{}}, nil
	}

	text := resp.Result.Content[0].Text
	// The tool returns a JSON array encoded as a JSON string.
	if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		if unquoted, err := strconv.Unquote(text); err == nil {
			text = unquoted
		}
	}

	var hits []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Content     string `json:"content"`
		PublishDate string `json:"publish_date"`
	}
	if err := json.Unmarshal([]byte(text), &hits); err != nil {
		return &SearchResult{Results: []SearchItem{{Title: "Search Result", Snippet: text}}}, nil
	}
	items := make([]SearchItem, 0, len(hits))
	for _, h := range hits {
		items = append(items, SearchItem{Title: h.Title, URL: h.Link, Snippet: h.Content, PublishedDate: h.PublishDate})
	}
	return &SearchResult{Results: items}, nil
}

// Context returns the search snippets for query as a single block of text of
// at most limit characters.
func (c *Client) Context(ctx context.Context, query string, limit int) (string, error) {
	result, err := c.Search(ctx, query)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, item := range result.Results {
		snippet := strings.Join(strings.Fields(item.Snippet), " ")
		if snippet == "" {
			continue
		}
		if item.Title != "" {
			b.WriteString(item.Title)
			b.WriteString(": ")
		}
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if limit > 0 {
		if runes := []rune(out); len(runes) > limit {
			out = string(runes[:limit])
		}
	}
	return out, nil
}
