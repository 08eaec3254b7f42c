// Package search enriches turns with live web results through the Serper
// API. Every failure here is soft: the turn proceeds without search context.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
)

// Result is one search hit reduced to what the prompt needs.
type Result struct {
	Title   string
	Snippet string
	Link    string
}

// Service runs web searches against the Serper API.
type Service struct {
	apiKey     string
	baseURL    string
	numResults int
	enabled    bool
	http       *http.Client
	logger     *logger.Logger
}

// NewService builds a search service. An empty apiKey or enabled=false
// disables it; MaybeGetContext then always returns "".
func NewService(apiKey, baseURL string, numResults int, timeout time.Duration, enabled bool, log *logger.Logger) *Service {
	if numResults <= 0 {
		numResults = 5
	}
	return &Service{
		apiKey:     apiKey,
		baseURL:    baseURL,
		numResults: numResults,
		enabled:    enabled,
		http:       &http.Client{Timeout: timeout},
		logger:     log.WithComponent("search"),
	}
}

// MaybeGetContext returns a formatted search block for the prompt, or ""
// when search is disabled or anything fails.
func (s *Service) MaybeGetContext(ctx context.Context, query string) string {
	if !s.enabled || s.apiKey == "" {
		return ""
	}

	results, err := s.Search(ctx, query)
	if err != nil {
		s.logger.Warn("web search failed", slog.String("error", err.Error()))
		return ""
	}
	return FormatForContext(results)
}

// serperRequest is the Serper search payload.
type serperRequest struct {
	Query    string `json:"q"`
	Num      int    `json:"num"`
	Language string `json:"hl"`
}

// serperResponse mirrors the fields we read from the API.
type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"organic"`
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Website     string `json:"website"`
	} `json:"knowledgeGraph"`
}

// Search runs one query. A knowledge-graph hit, when present, leads the
// organic results.
func (s *Service) Search(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(serperRequest{Query: query, Num: s.numResults, Language: "zh-CN"})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, len(decoded.Organic)+1)
	if kg := decoded.KnowledgeGraph; kg != nil {
		results = append(results, Result{Title: kg.Title, Snippet: kg.Description, Link: kg.Website})
	}
	for _, item := range decoded.Organic {
		results = append(results, Result{Title: item.Title, Snippet: item.Snippet, Link: item.Link})
	}
	return results, nil
}

// FormatForContext renders results as a prompt block, "" when empty.
func FormatForContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("【联网搜索结果】")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			b.WriteString("\n   " + r.Snippet)
		}
	}
	return b.String()
}
