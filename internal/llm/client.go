// Package llm holds the Search Orchestrator's LLM call: prompt
// assembly, a 60s abort deadline, and Sources: line parsing.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/searchmesh/cachesync/internal/synccore"
	"github.com/searchmesh/cachesync/pkg/models"
)

// Timeout is the LLM call deadline, per spec.md §4.5.
const Timeout = 60 * time.Second

// Client calls an LLM completion endpoint and parses its response into
// a SearchResult.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

// NewClient builds a Client bounded by Timeout.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: Timeout},
	}
}

type completionRequest struct {
	SystemPrompt string `json:"systemPrompt"`
	Query        string `json:"query"`
}

type completionResponse struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Complete calls the LLM with query and an optional parent for
// follow-up context. On timeout or any failure it returns
// synccore.ErrLLMTimeout (or a wrapped error) and the caller is expected
// to fall back to models.ErrorResult, never to propagate a raw HTTP
// error to the page.
func (c *Client) Complete(ctx context.Context, id, query string, parent *models.SearchResult) (models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	systemPrompt := TruncateToBudget(BuildSystemPrompt(parent))

	body, err := json.Marshal(completionRequest{SystemPrompt: systemPrompt, Query: query})
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.SearchResult{}, fmt.Errorf("%w", synccore.ErrLLMTimeout)
		}
		return models.SearchResult{}, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.SearchResult{}, fmt.Errorf("llm returned status %d", resp.StatusCode)
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.SearchResult{}, fmt.Errorf("decode llm response: %w", err)
	}

	content, sources := splitSources(parsed.Content)

	result := models.SearchResult{
		ID:        id,
		Title:     parsed.Title,
		Content:   content,
		Sources:   sources,
		Timestamp: time.Now().UnixMilli(),
	}
	if parent != nil {
		result.ParentID = parent.ID
		result.RootID = parent.RootID
		result.FollowUpQuery = query
	} else {
		result.RootID = id
	}
	return result, nil
}

// splitSources pulls a trailing "Sources:" line off content and returns
// the remainder plus the parsed source list, per spec.md §4.5.
func splitSources(content string) (string, models.SourceList) {
	idx := strings.LastIndex(content, "Sources:")
	if idx < 0 {
		return content, models.SourceList{}
	}

	body := strings.TrimRight(content[:idx], "\n ")
	raw := content[idx+len("Sources:"):]

	var sources models.SourceList
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			sources = append(sources, strings.TrimSpace(line))
		}
	}
	return body, sources
}
