// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements spec.md §3's MemoryEntry and the
// memory_write/memory_read/memory_query/memory_delete/memory_list
// IPC actions' taint-propagation semantics (spec.md §4.2 rule 1): a
// write from a tainted session is stamped with the session's current
// tag; a read of an external-trust entry re-enters the reading
// session's taint budget.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ax-platform/ax/lib/taint"
)

// Entry is one stored memory record (spec.md §3 "MemoryEntry"). Tag is
// nil for clean entries — it is never set from an agent payload; see
// Write's tainted parameter, which is host-determined.
type Entry struct {
	ID        string
	Scope     string
	Content   string
	Tags      []string
	Tag       *taint.Tag
	CreatedAt time.Time
}

// Store persists Entry records, keyed by a caller-supplied scope
// (e.g. per-agent or per-workspace namespace). A production
// implementation may back this with modernc.org/sqlite; MemoryStore
// here is the in-process reference implementation used by tests and
// single-process deployments.
type Store interface {
	Write(entry Entry) error
	Read(scope, id string) (Entry, bool, error)
	Query(scope string, tagFilter []string) ([]Entry, error)
	Delete(scope, id string) error
	List(scope string) ([]Entry, error)
}

// MemoryStore is an in-process Store, safe for concurrent use.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]map[string]Entry // scope -> id -> entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Write(entry Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("memory: entry id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	bucket, ok := s.entries[entry.Scope]
	if !ok {
		bucket = make(map[string]Entry)
		s.entries[entry.Scope] = bucket
	}
	bucket[entry.ID] = entry
	return nil
}

func (s *MemoryStore) Read(scope, id string) (Entry, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[scope][id]
	return e, ok, nil
}

func (s *MemoryStore) Query(scope string, tagFilter []string) ([]Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []Entry
	for _, e := range s.entries[scope] {
		if len(tagFilter) == 0 || hasAllTags(e.Tags, tagFilter) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(scope, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries[scope], id)
	return nil
}

func (s *MemoryStore) List(scope string) ([]Entry, error) {
	return s.Query(scope, nil)
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Host mediates taint propagation around a Store, per spec.md §4.2
// rule 1. Every memory_write/memory_read/memory_query call from the
// IPC server should go through Host rather than touching Store
// directly, so the taint budget and tracker stay consistent with the
// stored tags.
type Host struct {
	Store   Store
	Budget  *taint.Budget
	Tracker *taint.Tracker
}

// Write stamps entry.Tag from sessionID's current taint tag (if the
// session is tainted) and persists it. The caller's payload must never
// carry its own Tag/tainted field — that is enforced at the IPC schema
// layer (TESTABLE PROPERTY 2), not here; Host.Write unconditionally
// overwrites whatever Tag the caller passed in with the host-derived
// value.
func (h *Host) Write(sessionID string, entry Entry) error {
	entry.Tag = nil
	if h.Tracker != nil && h.Tracker.IsTainted(sessionID) {
		if tag, ok := h.Tracker.GetTaintTag(sessionID); ok {
			entry.Tag = &tag
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return h.Store.Write(entry)
}

// Read fetches an entry and, if it carries external trust, re-enters
// its content into sessionID's taint budget and records a derived
// taint source on the reading session (spec.md §4.2 rule 1 "Re-reading
// a tainted entry re-enters the taint budget").
func (h *Host) Read(sessionID, scope, id string) (Entry, bool, error) {
	entry, ok, err := h.Store.Read(scope, id)
	if err != nil || !ok {
		return entry, ok, err
	}
	h.reenter(sessionID, entry)
	return entry, true, nil
}

// Query is like Read but over a tag-filtered set; every external-trust
// hit independently re-enters the budget.
func (h *Host) Query(sessionID, scope string, tagFilter []string) ([]Entry, error) {
	entries, err := h.Store.Query(scope, tagFilter)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		h.reenter(sessionID, e)
	}
	return entries, nil
}

func (h *Host) reenter(sessionID string, entry Entry) {
	if entry.Tag == nil || entry.Tag.Trust != taint.TrustExternal {
		return
	}
	if h.Budget != nil {
		h.Budget.RecordContent(sessionID, entry.Content, true)
	}
	if h.Tracker != nil {
		h.Tracker.RecordTaintSource(sessionID, "memory_read", entry.ID)
	}
}

// Delete and List pass through without taint effects — deleting or
// listing (names/ids only, conventionally) does not introduce content
// into the reading session's context.
func (h *Host) Delete(scope, id string) error         { return h.Store.Delete(scope, id) }
func (h *Host) List(scope string) ([]Entry, error)    { return h.Store.List(scope) }
