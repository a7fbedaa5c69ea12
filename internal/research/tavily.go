// Package research gathers background material on a construct before
// items are written.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTavilyURL = "https://api.tavily.com"
	defaultTimeout   = 30 * time.Second
	maxErrorBody     = 4096
)

// Query is one search request.
type Query struct {
	Text       string
	MaxResults int
	Depth      string // basic | advanced
}

// Result is one ranked search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Tavily is a Searcher backed by the Tavily search API.
type Tavily struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// TavilyConfig configures the Tavily client.
type TavilyConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewTavily creates a Tavily client.
func NewTavily(cfg TavilyConfig) (*Tavily, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tavily API key required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTavilyURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tavily{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}, nil
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results,omitempty"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type tavilyResponse struct {
	Results []Result `json:"results"`
}

// Search implements Searcher.
func (t *Tavily) Search(ctx context.Context, q Query) ([]Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(tavilyRequest{Query: q.Text, MaxResults: q.MaxResults, SearchDepth: q.Depth})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("tavily API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Results, nil
}
