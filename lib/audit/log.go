// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Result is the outcome recorded for an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultBlocked Result = "blocked"
	ResultError   Result = "error"
)

// Entry is one audit record. ArgsSummary is a validated-args summary,
// never the raw payload — callers are responsible for redacting
// anything that should not be durably logged (full tainted content,
// credential values). Reason carries the detailed policy-denial reason
// that is never shown to the agent, only recorded here (spec.md §7).
type Entry struct {
	Time        time.Time `json:"time"`
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Action      string    `json:"action"`
	ArgsSummary string    `json:"args_summary,omitempty"`
	Result      Result    `json:"result"`
	Reason      string    `json:"reason,omitempty"`
	Duration    string    `json:"duration,omitempty"`
	Tainted     bool      `json:"tainted"`
	TaintSource string    `json:"taint_source,omitempty"`
}

// Log is an append-only, fsync-per-write JSONL audit sink. Safe for
// concurrent use. The sandbox never holds a *Log; only host components
// (IPC server, proxy, router) are constructed with one.
type Log struct {
	path    string
	file    *os.File
	encoder *json.Encoder
	mutex   sync.Mutex
	closed  bool
}

// Open appends to (creating if absent) the audit log at path.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	return &Log{path: path, file: file, encoder: encoder}, nil
}

// Record appends an entry and fsyncs before returning. Audit writes
// are mandatory for policy denials and all non-query actions (spec.md
// §4.1, §7); callers must not treat a Record failure as recoverable —
// surface it as a fatal error at startup-adjacent call sites, or log
// at Error level and continue for in-request call sites where halting
// the agent turn over an audit-write failure would itself be a denial
// of service against the user.
func (l *Log) Record(entry Entry) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return fmt.Errorf("audit log closed")
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// Query implements the audit_query IPC action (spec.md §6): the
// entries for sessionID at or after since, most recent first, capped
// at limit. It reopens the log file read-only rather than sharing the
// append handle, so a concurrent Record is never blocked by a query.
func (l *Log) Query(sessionID string, since time.Time, limit int) ([]Entry, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %q for query: %w", l.path, err)
	}
	defer file.Close()

	var matched []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if sessionID != "" && entry.SessionID != sessionID {
			continue
		}
		if !since.IsZero() && entry.Time.Before(since) {
			continue
		}
		matched = append(matched, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log %q: %w", l.path, err)
	}

	// Reverse in place for most-recent-first, then cap to limit.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Close closes the underlying file. Idempotent.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
