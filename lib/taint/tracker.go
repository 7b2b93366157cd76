// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taint

import (
	"sync"
	"time"
)

// Tracker is the per-session taint source tracker. Parallel to
// Budget: it records which actions in a session produced taint, used
// to stamp outgoing persistence writes (memory entries, workspace
// sidecar entries, conversation memorization) with a Tag built from
// the most recent source.
type Tracker struct {
	mutex    sync.Mutex
	sessions map[string][]Source
}

// NewTracker constructs an empty session taint tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string][]Source)}
}

// RecordTaintSource appends a taint source for sessionID. Called by
// the IPC server only after a taint-producing action has succeeded —
// never speculatively, and never from agent-supplied data.
func (t *Tracker) RecordTaintSource(sessionID, action, detail string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.sessions[sessionID] = append(t.sessions[sessionID], Source{
		Action:    action,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

// IsTainted reports whether sessionID has recorded at least one taint
// source.
func (t *Tracker) IsTainted(sessionID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.sessions[sessionID]) > 0
}

// GetTaintTag builds a Tag from sessionID's most recent taint source.
// Returns false if the session has no recorded sources.
func (t *Tracker) GetTaintTag(sessionID string) (Tag, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	sources := t.sessions[sessionID]
	if len(sources) == 0 {
		return Tag{}, false
	}
	latest := sources[len(sources)-1]
	return Tag{
		Source:    latest.Action,
		Trust:     TrustExternal,
		Timestamp: latest.Timestamp,
	}, true
}

// Sources returns a copy of sessionID's recorded taint sources, in the
// order they were recorded.
func (t *Tracker) Sources(sessionID string) []Source {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	sources := t.sessions[sessionID]
	out := make([]Source, len(sources))
	copy(out, sources)
	return out
}

// EndSession discards sessionID's recorded sources.
func (t *Tracker) EndSession(sessionID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.sessions, sessionID)
}
