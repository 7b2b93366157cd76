// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchParsesAbstractAndRelatedTopics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"AbstractText": "Go is a statically typed language.",
			"AbstractURL": "https://go.dev",
			"Heading": "Go (programming language)",
			"RelatedTopics": [
				{"FirstURL": "https://go.dev/doc", "Text": "Documentation for the Go standard library."}
			]
		}`))
	}))
	defer server.Close()

	client := &Client{HTTPClient: server.Client(), BaseURL: server.URL}
	results, err := client.Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].URL != "https://go.dev" || results[0].Snippet == "" {
		t.Errorf("abstract result = %+v", results[0])
	}
	if results[1].URL != "https://go.dev/doc" {
		t.Errorf("related topic result = %+v", results[1])
	}
}

func TestSearchRespectsMaxResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"RelatedTopics": [
				{"FirstURL": "https://example.com/1", "Text": "one"},
				{"FirstURL": "https://example.com/2", "Text": "two"},
				{"FirstURL": "https://example.com/3", "Text": "three"}
			]
		}`))
	}))
	defer server.Close()

	client := &Client{HTTPClient: server.Client(), BaseURL: server.URL, MaxResults: 2}
	results, err := client.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestSearchFailsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &Client{HTTPClient: server.Client(), BaseURL: server.URL}
	if _, err := client.Search(context.Background(), "anything"); err == nil {
		t.Fatal("expected a non-200 response to be an error")
	}
}
