// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/ax-platform/ax/lib/taint"
)

func TestSQLiteVectorStoreSearchRanksByCosineSimilarity(t *testing.T) {
	store := NewSQLiteVectorStore()
	ctx := context.Background()

	entries := []Embedding{
		{EntryID: "close", Vector: []float32{1, 0, 0}},
		{EntryID: "orthogonal", Vector: []float32{0, 1, 0}},
		{EntryID: "opposite", Vector: []float32{-1, 0, 0}},
	}
	for _, e := range entries {
		if err := store.Upsert(ctx, "scope-a", e); err != nil {
			t.Fatalf("upsert %s: %v", e.EntryID, err)
		}
	}

	hits, err := store.Search(ctx, "scope-a", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].EntryID != "close" {
		t.Errorf("expected closest hit first, got %q", hits[0].EntryID)
	}
}

func TestSQLiteVectorStoreUpsertReplacesExistingEntry(t *testing.T) {
	store := NewSQLiteVectorStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "scope-a", Embedding{EntryID: "e1", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.Upsert(ctx, "scope-a", Embedding{EntryID: "e1", Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	hits, err := store.Search(ctx, "scope-a", []float32{0, 1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected upsert to replace rather than duplicate, got %d entries", len(hits))
	}
	if hits[0].Vector[1] != 1 {
		t.Errorf("expected replaced vector, got %v", hits[0].Vector)
	}
}

func TestSQLiteVectorStoreScopesAreIsolated(t *testing.T) {
	store := NewSQLiteVectorStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "scope-a", Embedding{EntryID: "a", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := store.Search(ctx, "scope-b", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected scope-b to be empty, got %d hits", len(hits))
	}
}

func TestHostSemanticQueryReentersExternalTrustHits(t *testing.T) {
	tracker := taint.NewTracker()
	budget := taint.NewBudget()
	host := &Host{Store: NewMemoryStore(), Budget: budget, Tracker: tracker}
	store := NewSQLiteVectorStore()
	ctx := context.Background()

	writerSession := "writer-session"
	tracker.RecordTaintSource(writerSession, "web_fetch", "https://example.com")
	if err := host.Write(writerSession, Entry{ID: "e1", Scope: "s", Content: "tainted content here"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Upsert(ctx, "s", Embedding{EntryID: "e1", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("upsert embedding: %v", err)
	}

	readerSession := "reader-session"
	entries, err := host.SemanticQuery(ctx, store, readerSession, "s", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("semantic query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("expected to find e1, got %+v", entries)
	}
	if budget.Ratio(readerSession) <= 0 {
		t.Error("expected semantic hit on external-trust entry to re-enter reader's taint budget")
	}
}

func TestHostSemanticQuerySkipsMissingEntries(t *testing.T) {
	host := &Host{Store: NewMemoryStore()}
	store := NewSQLiteVectorStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, "s", Embedding{EntryID: "gone", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("upsert embedding: %v", err)
	}

	entries, err := host.SemanticQuery(ctx, store, "session", "s", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("semantic query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for an embedding with no backing store entry, got %+v", entries)
	}
}
