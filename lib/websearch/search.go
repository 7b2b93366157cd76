// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package websearch backs the web_search IPC action (spec.md §4.1)
// with DuckDuckGo's Instant Answer API — a dependency-free JSON
// endpoint that needs no API key, matching web_fetch's own no-new-deps
// footprint for the simplest of the taint-producing action families.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Client searches DuckDuckGo's Instant Answer API.
type Client struct {
	HTTPClient *http.Client
	MaxResults int
	// BaseURL overrides the DuckDuckGo endpoint; tests point it at an
	// httptest server instead of the real API.
	BaseURL string
}

// New returns a Client using http.DefaultClient and a sane result cap.
func New() *Client {
	return &Client{HTTPClient: http.DefaultClient, MaxResults: 10}
}

const defaultBaseURL = "https://api.duckduckgo.com/"

// Search queries DuckDuckGo for query and returns its abstract (if
// any) followed by related topics, capped at MaxResults.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	maxResults := c.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1", base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: building request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; BureauAgent/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: duckduckgo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("websearch: reading response: %w", err)
	}

	var ddg struct {
		AbstractText string `json:"AbstractText"`
		AbstractURL  string `json:"AbstractURL"`
		Heading      string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("websearch: parsing response: %w", err)
	}

	var results []Result
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, Result{Title: ddg.Heading, URL: ddg.AbstractURL, Snippet: ddg.AbstractText})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= maxResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, Result{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}

	return results, nil
}
