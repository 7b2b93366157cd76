// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taint

import "time"

// Trust classifies where content came from. Absence of a tag means
// Trust is TrustUser by policy — trust is a total function, never an
// optional one (spec.md §3 invariants).
type Trust string

const (
	TrustUser     Trust = "user"
	TrustExternal Trust = "external"
	TrustSystem   Trust = "system"
)

// Tag is attached to content the moment external content first enters
// the system. It is copied on every persistence hop and is never
// forged by the sandboxed agent — the host is the sole author.
type Tag struct {
	Source    string    `json:"source"`
	Trust     Trust     `json:"trust"`
	Timestamp time.Time `json:"timestamp"`
}

// Source records a single taint-producing event within a session:
// which action produced it, when, and an optional free-form detail
// (e.g. the fetched URL).
type Source struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// taintProducingActions is the closed set tested by IsTaintProducing.
// Mirrors ipc.TaintProducingActions; kept as an independent literal so
// this package has no import-cycle dependency on lib/ipc.
var taintProducingActions = map[string]bool{
	"web_fetch":        true,
	"web_search":       true,
	"browser_navigate": true,
	"browser_snapshot": true,
}

// IsTaintProducing reports whether action, on success, introduces
// externally-sourced content into the calling session.
func IsTaintProducing(action string) bool {
	return taintProducingActions[action]
}
