// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ax-platform/ax/lib/agentrunner"
)

// ConversationStore persists turns for persistent sessions (spec.md
// §4.6 step 3 "load bounded history"; step 7 "Append turns to the
// conversation store").
type ConversationStore interface {
	// LoadHistory returns up to maxTurns of the most recent turns for
	// addressKey, oldest first.
	LoadHistory(addressKey string, maxTurns int) ([]agentrunner.HistoryTurn, error)

	// AppendTurns appends turns to addressKey's history.
	AppendTurns(addressKey string, turns ...agentrunner.HistoryTurn) error
}

// FileConversationStore is a JSONL-per-address conversation store
// under a root directory, one file per address key (spec.md §6
// "data/conversations.db" — this module's persisted-state layout
// equivalent, using one file per conversation rather than one shared
// database file, matching the audit log's own append-only JSONL
// convention in lib/audit).
type FileConversationStore struct {
	root  string
	mutex sync.Mutex
}

// NewFileConversationStore returns a store rooted at root, creating it
// if necessary.
func NewFileConversationStore(root string) (*FileConversationStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("router: creating conversation store root: %w", err)
	}
	return &FileConversationStore{root: root}, nil
}

func (s *FileConversationStore) pathFor(addressKey string) string {
	// addressKey already contains only colon-joined identifier
	// segments (see lib/session.Address.Key); replace path separators
	// so it can never escape root even if a future provider id
	// contains one.
	safe := strings.ReplaceAll(addressKey, string(filepath.Separator), "_")
	return filepath.Join(s.root, safe+".jsonl")
}

// LoadHistory implements ConversationStore.
func (s *FileConversationStore) LoadHistory(addressKey string, maxTurns int) ([]agentrunner.HistoryTurn, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.Open(s.pathFor(addressKey))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("router: opening conversation history: %w", err)
	}
	defer file.Close()

	var turns []agentrunner.HistoryTurn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var turn agentrunner.HistoryTurn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("router: reading conversation history: %w", err)
	}

	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// AppendTurns implements ConversationStore.
func (s *FileConversationStore) AppendTurns(addressKey string, turns ...agentrunner.HistoryTurn) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.OpenFile(s.pathFor(addressKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("router: opening conversation history for append: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	for _, turn := range turns {
		if err := encoder.Encode(turn); err != nil {
			return fmt.Errorf("router: appending conversation turn: %w", err)
		}
	}
	return nil
}
