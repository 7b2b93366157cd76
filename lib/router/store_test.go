// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/ax-platform/ax/lib/agentrunner"
)

func TestFileConversationStoreLoadHistoryMissingFile(t *testing.T) {
	store, err := NewFileConversationStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileConversationStore: %v", err)
	}
	turns, err := store.LoadHistory("matrix:room:!abc", 10)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if turns != nil {
		t.Fatalf("expected nil history for a never-seen address, got %v", turns)
	}
}

func TestFileConversationStoreAppendAndLoad(t *testing.T) {
	store, err := NewFileConversationStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileConversationStore: %v", err)
	}
	addr := "matrix:room:!abc"

	if err := store.AppendTurns(addr,
		agentrunner.HistoryTurn{Role: "user", Content: "hello"},
		agentrunner.HistoryTurn{Role: "assistant", Content: "hi there"},
	); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if err := store.AppendTurns(addr, agentrunner.HistoryTurn{Role: "user", Content: "how are you"}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	turns, err := store.LoadHistory(addr, 10)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "hello" || turns[2].Content != "how are you" {
		t.Fatalf("unexpected turn ordering: %+v", turns)
	}
}

func TestFileConversationStoreLoadHistoryRespectsMaxTurns(t *testing.T) {
	store, err := NewFileConversationStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileConversationStore: %v", err)
	}
	addr := "matrix:room:!abc"
	for i := 0; i < 5; i++ {
		if err := store.AppendTurns(addr, agentrunner.HistoryTurn{Role: "user", Content: "turn"}); err != nil {
			t.Fatalf("AppendTurns: %v", err)
		}
	}

	turns, err := store.LoadHistory(addr, 2)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns after truncation, got %d", len(turns))
	}
}

func TestFileConversationStoreKeysAreSeparate(t *testing.T) {
	store, err := NewFileConversationStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileConversationStore: %v", err)
	}
	if err := store.AppendTurns("addr-one", agentrunner.HistoryTurn{Role: "user", Content: "a"}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if err := store.AppendTurns("addr-two", agentrunner.HistoryTurn{Role: "user", Content: "b"}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	turns, err := store.LoadHistory("addr-one", 10)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "a" {
		t.Fatalf("unexpected history for addr-one: %+v", turns)
	}
}
