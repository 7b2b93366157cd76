// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package promptbuilder assembles a single agent system prompt from a
// registered set of modules, ordered by priority and fit to a per-turn
// token budget (spec.md §4.4).
//
// Modules are stateless and registered once at process start; each
// call to Builder.Build takes a PromptContext and produces the same
// output for the same input. Required modules (identity,
// injection-defense, security-boundaries) are always rendered first;
// optional modules are added in priority order as budget allows, with
// a renderMinimal fallback before a module is dropped entirely.
package promptbuilder
