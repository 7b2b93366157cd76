// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentrunner is the sandbox-side agent loop (spec.md §4.5).
// It reads a turn from stdin, builds a system prompt via
// lib/promptbuilder, drives an lib/llm.Provider to completion with
// local (workspace-bound) and remote (IPC) tool dispatch, and streams
// assistant text to stdout as it arrives.
package agentrunner
