package websearch

import "time"

// SearchResult is the response from one web search.
type SearchResult struct {
	Query   string       `json:"query"`
	Results []SearchItem `json:"results"`
}

// SearchItem is a single search hit.
type SearchItem struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	PublishedDate string `json:"published_date,omitempty"`
}

// Config holds configuration for the Z.AI MCP web search endpoint.
type Config struct {
	APIKey string
	URL    string
	// NumResults is the number of hits requested per query (default 5).
	NumResults int
	Timeout    time.Duration
}

// SearchError is an error reported by the search endpoint or while talking to it.
type SearchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *SearchError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}
