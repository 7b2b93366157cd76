// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package taint implements per-session taint tagging, the taint
// budget, and the session taint tracker (spec.md §3, §4.2).
//
// A TaintTag marks content as originating outside the user's direct
// instructions. The Budget tracks, per session, how much of the
// conversational context is tainted as a token ratio; the Tracker
// records which actions produced that taint so the host can stamp
// persistence writes and build the prompt builder's injection-defense
// module. Both types are safe for concurrent use — the IPC server may
// process multiple in-flight requests from the same sandbox
// concurrently (spec.md §5).
package taint
